package k8sagent

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Manager creates, deletes, and lists the Kubernetes Pods backing
// fleetforge pods in one namespace.
type Manager interface {
	CreatePod(ctx context.Context, spec Spec) error
	DeletePod(ctx context.Context, podID, namespace string) error
	ListPods(ctx context.Context, namespace, serviceID string) ([]corev1.Pod, error)
	GetPod(ctx context.Context, podID, namespace string) (*corev1.Pod, error)
}

// K8sManager implements Manager using client-go.
type K8sManager struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// New creates a Manager backed by a K8s client.
func New(client kubernetes.Interface, logger *slog.Logger) *K8sManager {
	return &K8sManager{client: client, logger: logger}
}

// CreatePod creates the Kubernetes Pod for spec. Idempotent against a
// retry of the same spec: a pre-existing pod with the same name is left
// alone rather than treated as an error, since the dispatcher may redeliver
// pod:start after a send that actually landed.
func (m *K8sManager) CreatePod(ctx context.Context, spec Spec) error {
	pod := m.buildPod(spec)
	m.logger.Info("creating k8s pod", "pod", pod.Name, "service", spec.ServiceID, "incarnation", spec.Incarnation)

	_, err := m.client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		m.logger.Info("k8s pod already exists, treating create as a no-op", "pod", pod.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating pod %s: %w", pod.Name, err)
	}
	return nil
}

// DeletePod deletes the Kubernetes Pod backing podID. A missing pod is not
// an error: the agent may be asked to stop a pod it never actually started
// (e.g. the create failed after the store already recorded it).
func (m *K8sManager) DeletePod(ctx context.Context, podID, namespace string) error {
	name := (&Spec{PodID: podID}).Name()
	m.logger.Info("deleting k8s pod", "pod", name, "namespace", namespace)
	err := m.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListPods lists pods for a service, or every managed pod if serviceID is
// empty.
func (m *K8sManager) ListPods(ctx context.Context, namespace, serviceID string) ([]corev1.Pod, error) {
	sel := map[string]string{LabelApp: LabelAppValue}
	if serviceID != "" {
		sel[LabelService] = serviceID
	}
	list, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set(sel).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods for service %s: %w", serviceID, err)
	}
	return list.Items, nil
}

// GetPod fetches the Kubernetes Pod backing podID.
func (m *K8sManager) GetPod(ctx context.Context, podID, namespace string) (*corev1.Pod, error) {
	name := (&Spec{PodID: podID}).Name()
	return m.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (m *K8sManager) buildPod(spec Spec) *corev1.Pod {
	container := m.buildContainer(spec)
	initContainers := []corev1.Container{m.buildFetchContainer(spec)}

	gracePeriod := int64(30)
	podSpec := corev1.PodSpec{
		InitContainers: initContainers,
		Containers:     []corev1.Container{container},
		Volumes: []corev1.Volume{
			{Name: VolumeBundle, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		},
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: &gracePeriod,
	}
	if len(spec.NodeSelector) > 0 {
		podSpec.NodeSelector = spec.NodeSelector
	}
	if len(spec.Tolerations) > 0 {
		podSpec.Tolerations = spec.Tolerations
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name(),
			Namespace: spec.Namespace,
			Labels:    spec.Labels(),
			Annotations: map[string]string{
				AnnotationIncarnation: fmt.Sprintf("%d", spec.Incarnation),
			},
		},
		Spec: podSpec,
	}
}

func (m *K8sManager) buildContainer(spec Spec) corev1.Container {
	resources := m.buildResources(spec)

	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	for _, se := range spec.SecretEnv {
		env = append(env, corev1.EnvVar{
			Name: se.EnvName,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: se.SecretName},
					Key:                  se.SecretKey,
				},
			},
		})
	}

	return corev1.Container{
		Name:            ContainerName,
		Image:           spec.Image,
		Env:             env,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		VolumeMounts: []corev1.VolumeMount{
			{Name: VolumeBundle, MountPath: MountBundle, ReadOnly: true},
		},
	}
}

func (m *K8sManager) buildResources(spec Spec) corev1.ResourceRequirements {
	if spec.Resources != nil {
		return *spec.Resources
	}
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(DefaultMemoryRequest),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(DefaultMemoryLimit),
		},
	}
}

// buildFetchContainer constructs an init container that downloads the pack
// bundle from BundleLocation into the shared bundle volume before the main
// container starts. This is the generalization of the teacher's
// buildInitCloneContainer (which cloned a git repo) to "fetch an opaque,
// content-addressed bundle" — fleetforge packs have no source repository.
func (m *K8sManager) buildFetchContainer(spec Spec) corev1.Container {
	script := fmt.Sprintf(`set -e
apk add --no-cache curl
curl -fsSL '%s' -o %s/bundle.tar.gz
tar -xzf %s/bundle.tar.gz -C %s
rm %s/bundle.tar.gz
`, spec.BundleLocation, MountBundle, MountBundle, MountBundle, MountBundle)

	return corev1.Container{
		Name:            InitFetchName,
		Image:           InitFetchImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"/bin/sh", "-c", script},
		VolumeMounts: []corev1.VolumeMount{
			{Name: VolumeBundle, MountPath: MountBundle},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("250m"),
				corev1.ResourceMemory: resource.MustParse("256Mi"),
			},
		},
	}
}
