// Package store provides a typed record store for packs, services, pods,
// and nodes. It is the authoritative source of observed state: the
// reconciler never caches records across ticks, and all mutations are
// conditional on an optimistic record version.
package store

import "time"

// Runtime identifies the kind of execution environment a pack targets
// or a node provides.
type Runtime string

const (
	RuntimeNode     Runtime = "node"
	RuntimeBrowser  Runtime = "browser"
	RuntimeUniverse Runtime = "universal"
)

// Visibility controls who may reference a Pack or a Service.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilitySystem  Visibility = "system"
)

// NodeStatus is the liveness state of a registered node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining"
	NodeUnknown  NodeStatus = "unknown"
)

// ServiceStatus is the lifecycle state of a Service.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServicePaused   ServiceStatus = "paused"
	ServiceDeleting ServiceStatus = "deleting"
)

// PodStatus is one of the closed set of pod lifecycle states. See
// internal/podstate for the transition table between them.
type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// Terminal reports whether status has no outgoing transitions.
func (s PodStatus) Terminal() bool {
	switch s {
	case PodStopped, PodFailed, PodEvicted:
		return true
	default:
		return false
	}
}

// Active reports whether a pod in this status counts toward satisfied
// replicas. Crucially, PodStopping is not active: if it were, a rolling
// update would deadlock because the outgoing pod would still "count".
func (s PodStatus) Active() bool {
	switch s {
	case PodPending, PodScheduled, PodStarting, PodRunning:
		return true
	default:
		return false
	}
}

// ResourceList expresses a resource request/limit/allocatable set.
type ResourceList struct {
	CPU     string `json:"cpu,omitempty"`
	Memory  string `json:"memory,omitempty"`
	Pods    string `json:"pods,omitempty"`
	Storage string `json:"storage,omitempty"`
}

// VolumeMount describes a volume attached to a pod.
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

// Toleration lets a service schedule onto a node carrying a matching taint.
type Toleration struct {
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

// SecretRef injects a secret value into a pod environment.
type SecretRef struct {
	EnvName    string `json:"envName"`
	SecretName string `json:"secretName"`
	SecretKey  string `json:"secretKey"`
}

// Record is embedded by every stored type to carry store-assigned
// bookkeeping: identity and the optimistic-concurrency version.
type Record struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// Pack is an immutable, content-addressed code bundle. Uniqueness is
// enforced on (Name, PackVersion) and on ID; packs are created once and
// never mutated.
type Pack struct {
	Record
	Name                string     `json:"name"`
	PackVersion         string     `json:"version"`
	RuntimeTag          Runtime    `json:"runtimeTag"`
	OwnerID             string     `json:"ownerId"`
	Visibility          Visibility `json:"visibility"`
	BundleLocation      string     `json:"bundleLocation"`
	GrantedCapabilities []string   `json:"grantedCapabilities,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// Node is a mutable worker-agent record. A node is online iff the
// Connection Registry holds a live handle under ConnectionID.
type Node struct {
	Record
	Name         string            `json:"name"`
	RuntimeType  Runtime           `json:"runtimeType"`
	Status       NodeStatus        `json:"status"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Taints       []Toleration      `json:"taints,omitempty"`
	Allocatable  ResourceList      `json:"allocatable"`
	Allocated    ResourceList      `json:"allocated"`
	MachineID    string            `json:"machineId,omitempty"`
	RegisteredBy string            `json:"registeredBy,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Service is a declarative desired-state record. Replicas == 0 marks a
// DaemonSet (one pod per eligible node); Replicas > 0 marks a Deployment
// (exactly that many pods, scheduler-placed).
type Service struct {
	Record
	Name                string            `json:"name"`
	Namespace           string            `json:"namespace"`
	PackID              string            `json:"packId"`
	PackVersion         string            `json:"packVersion"`
	FollowLatest        bool              `json:"followLatest"`
	Replicas            int               `json:"replicas"`
	Status              ServiceStatus     `json:"status"`
	Labels              map[string]string `json:"labels,omitempty"`
	PodLabels           map[string]string `json:"podLabels,omitempty"`
	Tolerations         []Toleration      `json:"tolerations,omitempty"`
	ResourceRequests    ResourceList      `json:"resourceRequests"`
	ResourceLimits      ResourceList      `json:"resourceLimits"`
	Visibility          Visibility        `json:"visibility"`
	Exposed             bool              `json:"exposed"`
	Secrets             []SecretRef       `json:"secrets,omitempty"`
	VolumeMounts        []VolumeMount     `json:"volumeMounts,omitempty"`
	Generation          uint64            `json:"generation"`
	ObservedGeneration  uint64            `json:"observedGeneration"`
	ReadyReplicas       int               `json:"readyReplicas"`
	AvailableReplicas   int               `json:"availableReplicas"`
	UpdatedReplicas     int               `json:"updatedReplicas"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Degraded            bool              `json:"degraded"`
}

// Pod is one execution of a pack on one node. The pair (ServiceID,
// Incarnation) is unique and seals out replays of stale node reports.
type Pod struct {
	Record
	ServiceID     string        `json:"serviceId,omitempty"`
	PackID        string        `json:"packId"`
	PackVersion   string        `json:"packVersion"`
	NodeID        string        `json:"nodeId,omitempty"`
	Namespace     string        `json:"namespace"`
	Status        PodStatus     `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	Incarnation   uint64        `json:"incarnation"`
	VolumeMounts  []VolumeMount `json:"volumeMounts,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	StoppedAt     *time.Time    `json:"stoppedAt,omitempty"`
}
