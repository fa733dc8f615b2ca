// Package secretreconciler reconciles ExternalSecret CRDs from the secret
// references a service declares in its spec.
//
// When a service lists secrets ({envName, secretName, secretKey} entries),
// this reconciler ensures a matching ExternalSecret CRD exists so that the
// external-secrets-operator provisions the K8s Secret from the backing
// secret store (e.g. AWS Secrets Manager) before the dispatcher starts
// handing the service's pods their environment.
//
// Naming convention:
//   - K8s Secret name must start with "{namespace}-" (prefix enforcement,
//     keeps two services in different namespaces from colliding on a
//     shared Secret name)
//   - remote path: "fleetforge/{k8s-secret-name}"
//
// The reconciler groups multiple secret entries that share the same K8s
// Secret name into a single ExternalSecret with multiple data keys.
package secretreconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"fleetforge/controlplane/internal/store"
)

var externalSecretGVR = schema.GroupVersionResource{
	Group:    "external-secrets.io",
	Version:  "v1",
	Resource: "externalsecrets",
}

// Reconciler ensures ExternalSecret CRDs exist for the secrets services
// declare.
type Reconciler struct {
	store           store.Store
	dynClient       dynamic.Interface
	namespace       string
	storeName       string
	storeKind       string
	refreshInterval string
	logger          *slog.Logger
}

// New creates a new ExternalSecret reconciler. namespace is the K8s
// namespace ExternalSecret CRDs are created in; it is independent of the
// per-service Namespace field services are grouped by for naming.
func New(st store.Store, dynClient dynamic.Interface, namespace, storeName, storeKind, refreshInterval string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:           st,
		dynClient:       dynClient,
		namespace:       namespace,
		storeName:       storeName,
		storeKind:       storeKind,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// secretGroup collects all keys that belong to the same K8s Secret.
type secretGroup struct {
	serviceNamespace string
	secretName       string
	keys             []keyMapping
}

// keyMapping maps an ExternalSecret data entry: secretKey in the K8s Secret
// to a remote ref property in the backing secret store.
type keyMapping struct {
	secretKey string // key within the K8s Secret (e.g., "api-token")
	property  string // property within the remote secret (same as secretKey)
}

// Reconcile ensures ExternalSecrets exist for every service's declared
// secrets. It fetches the current service list from the store, groups
// secret entries by K8s Secret name, validates namespace-prefix naming,
// and creates ExternalSecret CRDs that don't yet exist. It never deletes
// or updates an existing ExternalSecret — ownership of a Secret name, once
// created, is left to whoever created it.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	services, err := r.store.ListServices(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}

	groups := r.buildSecretGroups(services)

	client := r.dynClient.Resource(externalSecretGVR).Namespace(r.namespace)

	var errs []error
	for _, g := range groups {
		exists, err := r.externalSecretExists(ctx, client, g.secretName)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking ExternalSecret %s: %w", g.secretName, err))
			continue
		}
		if exists {
			r.logger.Debug("ExternalSecret already exists, skipping",
				"name", g.secretName, "namespace", g.serviceNamespace)
			continue
		}

		obj := r.buildExternalSecret(g)
		if _, err := client.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("creating ExternalSecret %s: %w", g.secretName, err))
			continue
		}
		r.logger.Info("created ExternalSecret",
			"name", g.secretName, "namespace", g.serviceNamespace, "keys", len(g.keys))
	}

	if len(errs) > 0 {
		return fmt.Errorf("secret reconciliation had %d errors: %w", len(errs), errs[0])
	}
	return nil
}

// buildSecretGroups groups service secret references by K8s Secret name,
// skipping entries that fail prefix validation.
func (r *Reconciler) buildSecretGroups(services []store.Service) []secretGroup {
	groupMap := make(map[string]*secretGroup)

	for _, svc := range services {
		for _, s := range svc.Secrets {
			if !strings.HasPrefix(s.SecretName, svc.Namespace+"-") {
				r.logger.Warn("skipping secret with invalid prefix",
					"secret", s.SecretName, "service", svc.Name, "namespace", svc.Namespace,
					"expected_prefix", svc.Namespace+"-")
				continue
			}

			g, ok := groupMap[s.SecretName]
			if !ok {
				g = &secretGroup{
					serviceNamespace: svc.Namespace,
					secretName:       s.SecretName,
				}
				groupMap[s.SecretName] = g
			}
			// Deduplicate keys — two services in the same namespace may
			// reference the same K8s Secret key under different env names.
			dup := false
			for _, k := range g.keys {
				if k.secretKey == s.SecretKey {
					dup = true
					break
				}
			}
			if !dup {
				g.keys = append(g.keys, keyMapping{
					secretKey: s.SecretKey,
					property:  s.SecretKey,
				})
			}
		}
	}

	groups := make([]secretGroup, 0, len(groupMap))
	for _, g := range groupMap {
		groups = append(groups, *g)
	}
	return groups
}

// externalSecretExists checks if an ExternalSecret with the given name exists.
func (r *Reconciler) externalSecretExists(ctx context.Context, client dynamic.ResourceInterface, name string) (bool, error) {
	_, err := client.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isNotFound returns true if the error is a K8s "not found" error.
func isNotFound(err error) bool {
	// k8s.io/apimachinery/pkg/api/errors would give us a typed check,
	// but we can check the error string to avoid an extra import.
	// The dynamic client returns StatusError with reason NotFound.
	return strings.Contains(err.Error(), "not found") ||
		strings.Contains(err.Error(), "NotFound")
}

// buildExternalSecret constructs an unstructured ExternalSecret CRD.
func (r *Reconciler) buildExternalSecret(g secretGroup) *unstructured.Unstructured {
	data := make([]interface{}, 0, len(g.keys))
	for _, k := range g.keys {
		data = append(data, map[string]interface{}{
			"secretKey": k.secretKey,
			"remoteRef": map[string]interface{}{
				"key":      "fleetforge/" + g.secretName,
				"property": k.property,
			},
		})
	}

	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "external-secrets.io/v1",
			"kind":       "ExternalSecret",
			"metadata": map[string]interface{}{
				"name":      g.secretName,
				"namespace": r.namespace,
				"labels": map[string]interface{}{
					"fleetforge.io/managed-by": "controller",
					"fleetforge.io/namespace":  g.serviceNamespace,
				},
			},
			"spec": map[string]interface{}{
				"refreshInterval": r.refreshInterval,
				"secretStoreRef": map[string]interface{}{
					"kind": r.storeKind,
					"name": r.storeName,
				},
				"target": map[string]interface{}{
					"name":           g.secretName,
					"creationPolicy": "Owner",
				},
				"data": data,
			},
		},
	}
	return obj
}
