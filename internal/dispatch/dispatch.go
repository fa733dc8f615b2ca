// Package dispatch issues pod:start and pod:stop control messages to node
// agents through the Connection Registry, and mints the short-lived
// credentials a pod needs to authenticate back to the control plane. The
// dispatcher never makes lifecycle decisions — it executes the ones handed
// to it by the reconciler.
package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fleetforge/controlplane/internal/registry"
	"fleetforge/controlplane/internal/store"
)

// StopReason enumerates why a pod is being stopped, carried on the wire so
// the agent and any audit trail can distinguish a deliberate scale-down
// from a rolling update or a drain.
type StopReason string

const (
	StopReasonUserRequested  StopReason = "user_requested"
	StopReasonRollingUpdate  StopReason = "rolling_update"
	StopReasonNodeDrain      StopReason = "node_drain"
	StopReasonEvicted        StopReason = "evicted"
	StopReasonServiceDeleted StopReason = "service_deleted"
)

// startPayload is the pod:start frame payload.
type startPayload struct {
	PodID          string              `json:"podId"`
	PackID         string              `json:"packId"`
	PackVersion    string              `json:"packVersion"`
	BundleLocation string              `json:"bundleLocation"`
	Env            map[string]string   `json:"env,omitempty"`
	VolumeMounts   []store.VolumeMount `json:"volumeMounts,omitempty"`
	Credential     string              `json:"credential"`
}

// stopPayload is the pod:stop frame payload.
type stopPayload struct {
	PodID  string     `json:"podId"`
	Reason StopReason `json:"reason"`
}

// Sender is the subset of the Connection Registry the dispatcher depends
// on; satisfied by *registry.Registry and by test fakes.
type Sender interface {
	Send(nodeID string, frame registry.Frame) error
}

// Dispatcher mints pod credentials and turns reconciler decisions into
// node-agent wire frames.
type Dispatcher struct {
	sender   Sender
	hmacKey  []byte
	credTTL  time.Duration
	limiters *rateLimiterSet
}

// Config controls dispatcher behavior.
type Config struct {
	// HMACKey signs pod credentials. Rotating it invalidates all
	// outstanding credentials; callers should roll pods rather than
	// rotate this in place without a plan.
	HMACKey []byte

	// CredentialTTL bounds how long a minted credential remains valid.
	CredentialTTL time.Duration

	// PerNodeRateLimit caps outbound frames per node per second, so a
	// flapping node cannot be driven into a send storm by repeated
	// reconcile retries.
	PerNodeRateLimit rate.Limit
	PerNodeBurst     int
}

// New creates a Dispatcher bound to a Sender (normally the Connection
// Registry).
func New(sender Sender, cfg Config) *Dispatcher {
	if cfg.CredentialTTL == 0 {
		cfg.CredentialTTL = 15 * time.Minute
	}
	if cfg.PerNodeRateLimit == 0 {
		cfg.PerNodeRateLimit = 5
	}
	if cfg.PerNodeBurst == 0 {
		cfg.PerNodeBurst = 10
	}
	return &Dispatcher{
		sender:  sender,
		hmacKey: cfg.HMACKey,
		credTTL: cfg.CredentialTTL,
		limiters: newRateLimiterSet(cfg.PerNodeRateLimit, cfg.PerNodeBurst),
	}
}

// Start mints a credential bound to (podId, nodeId) and sends pod:start.
// Callers must leave the pod in "pending" on send failure (ErrNodeOffline
// or a per-node rate-limit rejection) so the reconciler retries next tick; Start
// itself never touches the store.
func (d *Dispatcher) Start(pod store.Pod, node store.Node, env map[string]string) error {
	if !d.limiters.allow(node.ID) {
		return fmt.Errorf("dispatcher rate limit exceeded for node %s", node.ID)
	}

	cred, err := d.mintCredential(pod.ID, node.ID)
	if err != nil {
		return fmt.Errorf("mint credential: %w", err)
	}

	payload, err := json.Marshal(startPayload{
		PodID:          pod.ID,
		PackID:         pod.PackID,
		PackVersion:    pod.PackVersion,
		BundleLocation: "", // resolved by the caller from the pack record, not stored on the pod
		Env:            env,
		VolumeMounts:   pod.VolumeMounts,
		Credential:     cred,
	})
	if err != nil {
		return fmt.Errorf("marshal pod:start payload: %w", err)
	}

	if err := d.sender.Send(node.ID, registry.Frame{Type: "pod:start", Payload: payload}); err != nil {
		return fmt.Errorf("send pod:start for pod %s to node %s: %w", pod.ID, node.ID, err)
	}
	return nil
}

// Stop sends pod:stop. The caller must transition the pod to "stopping" in
// the store before calling Stop, since the subsequent node report is what
// actually drives the pod to a terminal state.
func (d *Dispatcher) Stop(pod store.Pod, reason StopReason) error {
	if pod.NodeID == "" {
		return fmt.Errorf("pod %s has no assigned node, nothing to stop", pod.ID)
	}
	if !d.limiters.allow(pod.NodeID) {
		return fmt.Errorf("dispatcher rate limit exceeded for node %s", pod.NodeID)
	}

	payload, err := json.Marshal(stopPayload{PodID: pod.ID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal pod:stop payload: %w", err)
	}

	if err := d.sender.Send(pod.NodeID, registry.Frame{Type: "pod:stop", Payload: payload}); err != nil {
		return fmt.Errorf("send pod:stop for pod %s to node %s: %w", pod.ID, pod.NodeID, err)
	}
	return nil
}

// mintCredential produces a short-lived, HMAC-signed token scoped to one
// (podId, nodeId) pair. The credential is opaque to the agent: it is
// presented back to the control plane's API surface to authenticate pod
// status reports and any pod-scoped resource requests.
func (d *Dispatcher) mintCredential(podID, nodeID string) (string, error) {
	expires := time.Now().Add(d.credTTL).Unix()
	body := fmt.Sprintf("%s:%s:%d", podID, nodeID, expires)

	mac := hmac.New(sha256.New, d.hmacKey)
	if _, err := mac.Write([]byte(body)); err != nil {
		return "", err
	}
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(body)), sig), nil
}

// VerifyCredential checks a credential minted by mintCredential, returning
// the bound podID/nodeID if the signature is valid and the credential has
// not expired.
func (d *Dispatcher) VerifyCredential(cred string) (podID, nodeID string, err error) {
	dot := strings.LastIndex(cred, ".")
	if dot < 0 {
		return "", "", fmt.Errorf("malformed credential")
	}
	bodyB64, sig := cred[:dot], cred[dot+1:]

	bodyBytes, err := base64.RawURLEncoding.DecodeString(bodyB64)
	if err != nil {
		return "", "", fmt.Errorf("malformed credential body")
	}
	wantSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", "", fmt.Errorf("malformed credential signature")
	}

	mac := hmac.New(sha256.New, d.hmacKey)
	mac.Write(bodyBytes)
	if !hmac.Equal(mac.Sum(nil), wantSig) {
		return "", "", fmt.Errorf("invalid credential signature")
	}

	fields := strings.SplitN(string(bodyBytes), ":", 3)
	if len(fields) != 3 {
		return "", "", fmt.Errorf("malformed credential fields")
	}
	expires, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("malformed credential expiry")
	}
	if time.Now().Unix() > expires {
		return "", "", fmt.Errorf("credential expired")
	}

	return fields[0], fields[1], nil
}
