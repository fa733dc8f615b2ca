// Package k8sagent is an optional node-agent backend for server-class
// nodes: it satisfies pod:start/pod:stop by creating and deleting real
// Kubernetes Pods in one namespace, rather than shelling out to a local
// process supervisor. It is the adaptation of the teacher's podmanager
// package from "agent beads" to generic (serviceID, podID, incarnation)
// pod identity.
package k8sagent

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

const (
	// Label keys on every pod this package creates.
	LabelApp       = "app.kubernetes.io/name"
	LabelAppValue  = "fleetforge-pod"
	LabelService   = "fleetforge.io/service"
	LabelPod       = "fleetforge.io/pod"
	LabelNamespace = "fleetforge.io/namespace"

	// AnnotationIncarnation pins the incarnation this Kubernetes Pod was
	// created for, so a stale delete (a node report racing the reconciler)
	// can be told apart from a live one.
	AnnotationIncarnation = "fleetforge.io/incarnation"

	DefaultCPURequest    = "500m"
	DefaultCPULimit      = "2"
	DefaultMemoryRequest = "256Mi"
	DefaultMemoryLimit   = "1Gi"

	VolumeBundle = "bundle"
	MountBundle  = "/var/run/fleetforge/bundle"

	ContainerName = "pod"

	InitFetchName  = "fetch-bundle"
	InitFetchImage = "public.ecr.aws/docker/library/alpine:3.20"
)

// Spec describes the desired Kubernetes Pod for one fleetforge pod.
type Spec struct {
	ServiceID      string
	PodID          string
	Incarnation    uint64
	Namespace      string
	Image          string
	BundleLocation string
	Env            map[string]string
	SecretEnv      []SecretEnvSource
	Resources      *corev1.ResourceRequirements
	NodeSelector   map[string]string
	Tolerations    []corev1.Toleration
}

// SecretEnvSource maps a K8s Secret key to a pod environment variable.
type SecretEnvSource struct {
	EnvName    string
	SecretName string
	SecretKey  string
}

// Name returns the Kubernetes Pod name: deterministic from the fleetforge
// pod ID so a re-dispatch of the same pod is idempotent at the API level.
func (s *Spec) Name() string {
	return fmt.Sprintf("ff-%s", s.PodID)
}

// Labels returns the label set every pod this package manages carries.
func (s *Spec) Labels() map[string]string {
	return map[string]string{
		LabelApp:     LabelAppValue,
		LabelService: s.ServiceID,
		LabelPod:     s.PodID,
	}
}
