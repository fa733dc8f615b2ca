package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetforge/controlplane/internal/registry"
	"fleetforge/controlplane/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []registry.Frame
	sendTo map[string]error // nodeID -> error to return from Send
}

func (f *fakeSender) Send(nodeID string, frame registry.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sendTo[nodeID]; ok && err != nil {
		return err
	}
	f.sent = append(f.sent, frame)
	return nil
}

func TestStartSendsFrameWithCredential(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key")})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}, PackID: "pack-1", PackVersion: "1.0.0"}
	node := store.Node{Record: store.Record{ID: "node-1"}}

	if err := d.Start(pod, node, map[string]string{"FOO": "bar"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(sender.sent))
	}
	frame := sender.sent[0]
	if frame.Type != "pod:start" {
		t.Fatalf("expected pod:start, got %s", frame.Type)
	}

	var payload startPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PodID != "pod-1" || payload.Credential == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	podID, nodeID, err := d.VerifyCredential(payload.Credential)
	if err != nil {
		t.Fatalf("verify credential: %v", err)
	}
	if podID != "pod-1" || nodeID != "node-1" {
		t.Fatalf("expected (pod-1, node-1), got (%s, %s)", podID, nodeID)
	}
}

func TestStartPropagatesSendFailure(t *testing.T) {
	sender := &fakeSender{sendTo: map[string]error{"node-1": registry.ErrNodeOffline}}
	d := New(sender, Config{HMACKey: []byte("test-key")})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}, PackID: "pack-1"}
	node := store.Node{Record: store.Record{ID: "node-1"}}

	if err := d.Start(pod, node, nil); !errors.Is(err, registry.ErrNodeOffline) {
		t.Fatalf("expected wrapped ErrNodeOffline, got %v", err)
	}
}

func TestStopRequiresAssignedNode(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key")})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}}
	if err := d.Stop(pod, StopReasonUserRequested); err == nil {
		t.Fatal("expected error for pod with no nodeId")
	}
}

func TestStopSendsReason(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key")})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}, NodeID: "node-1"}
	if err := d.Stop(pod, StopReasonRollingUpdate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload stopPayload
	if err := json.Unmarshal(sender.sent[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Reason != StopReasonRollingUpdate {
		t.Fatalf("expected rolling_update, got %s", payload.Reason)
	}
}

func TestCredentialExpires(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key"), CredentialTTL: -time.Second})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}, PackID: "pack-1"}
	node := store.Node{Record: store.Record{ID: "node-1"}}
	if err := d.Start(pod, node, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload startPayload
	if err := json.Unmarshal(sender.sent[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, _, err := d.VerifyCredential(payload.Credential); err == nil {
		t.Fatal("expected expired credential to fail verification")
	}
}

func TestVerifyCredentialRejectsTampering(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key")})

	cred, err := d.mintCredential("pod-1", "node-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tampered := "x" + cred[1:]
	if _, _, err := d.VerifyCredential(tampered); err == nil {
		t.Fatal("expected tampered credential to fail verification")
	}
}

func TestPerNodeRateLimitThrottlesStart(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{HMACKey: []byte("test-key"), PerNodeRateLimit: 1, PerNodeBurst: 1})

	pod := store.Pod{Record: store.Record{ID: "pod-1"}, PackID: "pack-1"}
	node := store.Node{Record: store.Record{ID: "node-1"}}

	if err := d.Start(pod, node, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := d.Start(pod, node, nil); err == nil {
		t.Fatal("expected second immediate start to be rate limited")
	}
}
