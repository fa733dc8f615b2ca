// Package config provides control plane configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds control plane configuration. Values come from env vars or
// defaults.
type Config struct {
	// --- Kubernetes ---

	// Namespace is the K8s namespace the k8sagent node-agent backend
	// operates in (env: NAMESPACE).
	Namespace string

	// KubeConfig is the path to kubeconfig file (env: KUBECONFIG). Empty
	// means use in-cluster config.
	KubeConfig string

	// --- HTTP/WS listeners ---

	// APIListenAddr serves internal/api's JSON surface (env: API_LISTEN_ADDR).
	APIListenAddr string

	// WireListenAddr serves internal/wireserver's node-agent websocket
	// endpoint (env: WIRE_LISTEN_ADDR).
	WireListenAddr string

	// HealthListenAddr serves /healthz and /version (env: HEALTH_LISTEN_ADDR).
	HealthListenAddr string

	// --- NATS (multi-replica change feed) ---

	// NatsURL is the NATS server URL backing internal/store's
	// multi-replica change feed (env: NATS_URL). Empty disables it;
	// single-replica deployments run on the in-memory store alone.
	NatsURL string

	// --- Dispatcher credentials ---

	// PodCredentialHMACSecret signs the short-lived credentials minted
	// by internal/dispatch for pods to authenticate back to the control
	// plane (env: POD_CREDENTIAL_HMAC_SECRET). Rotating it invalidates
	// every outstanding credential.
	PodCredentialHMACSecret string

	// PodCredentialTTL bounds how long a minted credential remains valid
	// (env: POD_CREDENTIAL_TTL). Default: 15m.
	PodCredentialTTL time.Duration

	// --- Node heartbeat ---

	// NodeHeartbeatInterval is how often a node agent is expected to send
	// node:heartbeat (env: NODE_HEARTBEAT_INTERVAL). Default: 15s. The
	// Connection Registry treats a node as offline after 3x this.
	NodeHeartbeatInterval time.Duration

	// --- Reconciler ---

	// ReconcileTickInterval is how often a full reconcile pass runs
	// absent an explicit wake (env: RECONCILE_TICK_INTERVAL). Default: 2s.
	ReconcileTickInterval time.Duration

	// ReconcileWorkers bounds the reconcile worker pool (env:
	// RECONCILE_WORKERS). 0 lets the reconciler pick its own default.
	ReconcileWorkers int

	// --- Secrets reconciliation ---

	// ExternalSecretStoreName names the external-secrets-operator
	// SecretStore/ClusterSecretStore backing service secret entries (env:
	// EXTERNAL_SECRET_STORE_NAME).
	ExternalSecretStoreName string

	// ExternalSecretStoreKind is "SecretStore" or "ClusterSecretStore"
	// (env: EXTERNAL_SECRET_STORE_KIND). Default: ClusterSecretStore.
	ExternalSecretStoreKind string

	// ExternalSecretRefreshInterval is how often the operator re-fetches
	// the backing secret (env: EXTERNAL_SECRET_REFRESH_INTERVAL).
	ExternalSecretRefreshInterval time.Duration

	// --- Notifications ---

	// SlackBotToken authenticates the Slack client used to post degraded-
	// service notifications (env: SLACK_BOT_TOKEN). Empty disables
	// notifications.
	SlackBotToken string

	// SlackChannel is the channel degraded-service notifications post to
	// (env: SLACK_CHANNEL).
	SlackChannel string

	// --- Leader Election ---

	// LeaderElection enables K8s lease-based leader election (env:
	// ENABLE_LEADER_ELECTION). When true, only the leader replica runs
	// the reconciler, dispatcher, and wire server; others wait passively.
	// Required for running multiple replicas safely.
	LeaderElection bool

	// LeaderElectionID is the name of the Lease resource used for leader
	// election (env: LEADER_ELECTION_ID). Default: "fleetforge-controller".
	LeaderElectionID string

	// LeaderElectionIdentity is the unique identity of this control-plane
	// instance (env: POD_NAME). Typically set from the Kubernetes
	// downward API.
	LeaderElectionIdentity string

	// --- Controller ---

	// LogLevel controls log verbosity: debug, info, warn, error (env:
	// LOG_LEVEL).
	LogLevel string
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	return &Config{
		Namespace:  envOr("NAMESPACE", "fleetforge"),
		KubeConfig: os.Getenv("KUBECONFIG"),

		APIListenAddr:    envOr("API_LISTEN_ADDR", ":8080"),
		WireListenAddr:   envOr("WIRE_LISTEN_ADDR", ":8081"),
		HealthListenAddr: envOr("HEALTH_LISTEN_ADDR", ":8091"),

		NatsURL: os.Getenv("NATS_URL"),

		PodCredentialHMACSecret: os.Getenv("POD_CREDENTIAL_HMAC_SECRET"),
		PodCredentialTTL:        envDurationOr("POD_CREDENTIAL_TTL", 15*time.Minute),

		NodeHeartbeatInterval: envDurationOr("NODE_HEARTBEAT_INTERVAL", 15*time.Second),

		ReconcileTickInterval: envDurationOr("RECONCILE_TICK_INTERVAL", 2*time.Second),
		ReconcileWorkers:      envIntOr("RECONCILE_WORKERS", 0),

		ExternalSecretStoreName:       envOr("EXTERNAL_SECRET_STORE_NAME", "fleetforge-secrets"),
		ExternalSecretStoreKind:       envOr("EXTERNAL_SECRET_STORE_KIND", "ClusterSecretStore"),
		ExternalSecretRefreshInterval: envDurationOr("EXTERNAL_SECRET_REFRESH_INTERVAL", time.Hour),

		SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:  envOr("SLACK_CHANNEL", "#fleetforge-alerts"),

		LeaderElection:         envBoolOr("ENABLE_LEADER_ELECTION", false),
		LeaderElectionID:       envOr("LEADER_ELECTION_ID", "fleetforge-controller"),
		LeaderElectionIdentity: envOr("POD_NAME", hostname()),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
