// Package reconciler drives every active service toward its desired state:
// it resolves followLatest pack versions, retires pods running an old
// version, converges the replica count, and writes observed-state fields
// back to the service record. It never talks to a node agent directly —
// every effect goes through the Pod Dispatcher.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleetforge/controlplane/internal/dispatch"
	"fleetforge/controlplane/internal/scheduler"
	"fleetforge/controlplane/internal/store"
)

// PodDispatcher is the subset of the Pod Dispatcher the reconciler depends
// on, satisfied by *dispatch.Dispatcher and by test fakes.
type PodDispatcher interface {
	Start(pod store.Pod, node store.Node, env map[string]string) error
	Stop(pod store.Pod, reason dispatch.StopReason) error
}

// OnlineSnapshotter reports which nodes currently hold a live connection,
// satisfied by *registry.Registry.
type OnlineSnapshotter interface {
	SnapshotOnline() []string
}

// Config controls reconcile cadence and failure handling.
type Config struct {
	// TickInterval is how often a full pass over all active services runs.
	TickInterval time.Duration

	// Workers bounds the worker pool; defaults to min(16, number of
	// services) each tick if left at zero.
	Workers int

	// DispatchDeadline is the timeout on the context one service's pass
	// runs under. Store calls made during the pass receive that context;
	// dispatcher Start/Stop take no context and are not bounded by it.
	DispatchDeadline time.Duration

	// ConsecutiveFailureThreshold is how many consecutive dispatch
	// failures mark a service degraded. Only pod:stop send failures of
	// Step C's rolling update are counted; pod:start and scale-down stop
	// send failures are logged and not counted.
	ConsecutiveFailureThreshold int

	// MaxBackoff caps the exponential backoff applied to a degraded
	// service's subsequent reconcile attempts.
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.DispatchDeadline <= 0 {
		c.DispatchDeadline = 5 * time.Second
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = 10
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Reconciler runs the reconciliation loop described above. It holds no
// record data of its own; the store stays the single source of truth
// across ticks.
type Reconciler struct {
	store      store.Store
	dispatcher PodDispatcher
	online     OnlineSnapshotter
	logger     *slog.Logger
	cfg        Config

	wake chan struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	backoff *backoffTracker
}

// New creates a Reconciler.
func New(s store.Store, dispatcher PodDispatcher, online OnlineSnapshotter, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:      s,
		dispatcher: dispatcher,
		online:     online,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
		locks:      make(map[string]*sync.Mutex),
		backoff:    newBackoffTracker(),
	}
}

// TriggerReconcile wakes the loop ahead of the next tick. Non-blocking: a
// pending wake already queued is enough, a second call is a no-op.
func (r *Reconciler) TriggerReconcile() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes reconcile passes on the configured tick, plus whenever
// TriggerReconcile fires, until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runPass(ctx)
		case <-r.wake:
			r.runPass(ctx)
		}
	}
}

// runPass fans one service per worker out of a bounded pool. A panic or
// error in one service's pass is caught and logged; it never reaches
// another service's goroutine.
func (r *Reconciler) runPass(ctx context.Context) {
	services, err := r.store.ListServices(ctx, store.Filter{Status: string(store.ServiceActive)})
	if err != nil {
		r.logger.Error("listing active services", "error", err)
		return
	}
	if len(services) == 0 {
		return
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	if workers > len(services) {
		workers = len(services)
	}

	jobs := make(chan store.Service)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for svc := range jobs {
				r.reconcileServiceSafely(ctx, svc)
			}
		}()
	}
	for _, svc := range services {
		jobs <- svc
	}
	close(jobs)
	wg.Wait()
}

func (r *Reconciler) reconcileServiceSafely(ctx context.Context, svc store.Service) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in service reconcile pass, dropped", "serviceId", svc.ID, "panic", rec)
		}
	}()

	if !r.backoff.ready(svc.ID) {
		return
	}

	lock := r.lockFor(svc.ID)
	if !lock.TryLock() {
		// Another pass for this service is already in flight; skip, the
		// next tick will catch up.
		return
	}
	defer lock.Unlock()

	deadline, cancel := context.WithTimeout(ctx, r.cfg.DispatchDeadline)
	defer cancel()

	if err := r.reconcileService(deadline, svc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			r.logger.Debug("service reconcile aborted on conflict, retrying next tick", "serviceId", svc.ID)
			return
		}
		r.logger.Error("service reconcile failed", "serviceId", svc.ID, "error", err)
	}
}

func (r *Reconciler) lockFor(serviceID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[serviceID] = l
	}
	return l
}

// reconcileService runs Steps A-E of one service's pass.
func (r *Reconciler) reconcileService(ctx context.Context, svc store.Service) error {
	svc, err := r.stepAResolvePack(ctx, svc)
	if err != nil {
		return err
	}

	pack, err := r.store.GetPack(ctx, svc.PackID)
	if err != nil {
		return fmt.Errorf("resolve pack for service %s: %w", svc.ID, err)
	}

	onVersion, offVersion, err := r.stepBSnapshotPods(ctx, svc)
	if err != nil {
		return err
	}

	failCount, dispatchOK := r.stepCRetireOffVersion(ctx, svc, offVersion)

	onVersion, err = r.stepDConverge(ctx, svc, pack, onVersion)
	if err != nil {
		return err
	}

	if !dispatchOK {
		r.backoff.recordFailure(svc.ID, failCount, r.cfg.ConsecutiveFailureThreshold, r.cfg.MaxBackoff)
	} else {
		r.backoff.recordSuccess(svc.ID)
	}
	consecutiveFailures, degraded := r.backoff.snapshot(svc.ID)

	return r.stepEUpdateObservedState(ctx, svc, pack, onVersion, offVersion, consecutiveFailures, degraded)
}

// stepAResolvePack advances (packId, packVersion) to the latest version of
// the same pack name when followLatest is set. The version change is what
// triggers Step C's rolling update: the rest of the same pass works on the
// updated service, so Step B observes the drift right away.
func (r *Reconciler) stepAResolvePack(ctx context.Context, svc store.Service) (store.Service, error) {
	if !svc.FollowLatest {
		return svc, nil
	}

	current, err := r.store.GetPack(ctx, svc.PackID)
	if err != nil {
		return svc, fmt.Errorf("resolve current pack for service %s: %w", svc.ID, err)
	}
	latest, err := r.store.LatestPack(ctx, current.Name)
	if err != nil {
		return svc, fmt.Errorf("resolve latest pack %s for service %s: %w", current.Name, svc.ID, err)
	}
	if latest.ID == svc.PackID && latest.PackVersion == svc.PackVersion {
		return svc, nil
	}

	updated, err := r.store.UpdateService(ctx, svc.ID, svc.Version, func(s *store.Service) {
		s.PackID = latest.ID
		s.PackVersion = latest.PackVersion
		s.Generation++
	})
	if err != nil {
		return svc, fmt.Errorf("advance service %s to pack %s: %w", svc.ID, latest.PackVersion, err)
	}
	r.logger.Info("followLatest advanced service pack version",
		"serviceId", svc.ID, "packVersion", latest.PackVersion)
	return updated, nil
}

// stepBSnapshotPods fetches the service's pods and partitions the active
// set by whether each pod runs the service's current pack version.
func (r *Reconciler) stepBSnapshotPods(ctx context.Context, svc store.Service) (onVersion, offVersion []store.Pod, err error) {
	pods, err := r.store.ListPods(ctx, store.Filter{ServiceID: svc.ID})
	if err != nil {
		return nil, nil, fmt.Errorf("list pods for service %s: %w", svc.ID, err)
	}

	for _, p := range pods {
		if !p.Status.Active() {
			continue
		}
		if p.PackVersion == svc.PackVersion {
			onVersion = append(onVersion, p)
		} else {
			offVersion = append(offVersion, p)
		}
	}
	return onVersion, offVersion, nil
}

// stepCRetireOffVersion stops every off-version pod with reason
// rolling_update. Per pod, the store transition to stopping happens before
// the dispatcher send, so a send failure still leaves the pod out of the
// active set — it does not need to succeed for the rolling update to make
// progress. ok is false if any dispatch attempt failed, so the caller can
// feed the failure into the service's backoff tracking.
func (r *Reconciler) stepCRetireOffVersion(ctx context.Context, svc store.Service, offVersion []store.Pod) (failures int, ok bool) {
	ok = true
	for _, pod := range offVersion {
		updated, err := r.store.UpdatePod(ctx, pod.ID, pod.Version, func(p *store.Pod) {
			p.Status = store.PodStopping
		})
		if err != nil {
			r.logger.Warn("failed to mark off-version pod stopping", "serviceId", svc.ID, "podId", pod.ID, "error", err)
			continue
		}
		if err := r.dispatcher.Stop(updated, dispatch.StopReasonRollingUpdate); err != nil {
			r.logger.Warn("dispatcher stop failed for off-version pod, left stopping",
				"serviceId", svc.ID, "podId", pod.ID, "error", err)
			failures++
			ok = false
		}
	}
	return failures, ok
}

// stepDConverge creates or stops pods to reach the target replica count and
// returns the updated onVersion set (including pods created this pass).
func (r *Reconciler) stepDConverge(ctx context.Context, svc store.Service, pack store.Pack, onVersion []store.Pod) ([]store.Pod, error) {
	if svc.Replicas == 0 {
		nodes, err := r.store.ListNodes(ctx, store.Filter{})
		if err != nil {
			return onVersion, fmt.Errorf("list nodes for service %s: %w", svc.ID, err)
		}
		onlineSet := make(map[string]bool)
		for _, id := range r.online.SnapshotOnline() {
			onlineSet[id] = true
		}
		eligible := scheduler.Eligible(nodes, onlineSet, svc, pack)
		return r.convergeDaemonSet(ctx, svc, onVersion, eligible)
	}
	return r.convergeDeployment(ctx, svc, pack, onVersion)
}

func (r *Reconciler) convergeDaemonSet(ctx context.Context, svc store.Service, onVersion []store.Pod, eligible []store.Node) ([]store.Pod, error) {
	covered := make(map[string]bool)
	for _, p := range onVersion {
		if p.NodeID != "" {
			covered[p.NodeID] = true
		}
	}

	for _, n := range eligible {
		if covered[n.ID] {
			continue
		}
		pod, err := r.createAndStart(ctx, svc, n)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return onVersion, err
			}
			r.logger.Warn("failed to schedule daemonset pod", "serviceId", svc.ID, "nodeId", n.ID, "error", err)
			continue
		}
		onVersion = append(onVersion, pod)
	}
	return onVersion, nil
}

func (r *Reconciler) convergeDeployment(ctx context.Context, svc store.Service, pack store.Pack, onVersion []store.Pod) ([]store.Pod, error) {
	desired := svc.Replicas
	current := len(onVersion)

	if current < desired {
		nodes, err := r.store.ListNodes(ctx, store.Filter{})
		if err != nil {
			return onVersion, fmt.Errorf("list nodes for service %s: %w", svc.ID, err)
		}
		onlineSet := make(map[string]bool)
		for _, id := range r.online.SnapshotOnline() {
			onlineSet[id] = true
		}
		eligible := scheduler.Eligible(nodes, onlineSet, svc, pack)

		// Track allocated-pod counts locally so a batch of several new
		// pods in one pass spreads across nodes instead of all landing on
		// today's single least-loaded node.
		localAllocated := make(map[string]int, len(eligible))
		for _, n := range eligible {
			var allocated int
			fmt.Sscanf(n.Allocated.Pods, "%d", &allocated)
			localAllocated[n.ID] = allocated
		}

		for i := current; i < desired; i++ {
			candidates := withLocalLoad(eligible, localAllocated)
			node, ok := scheduler.LeastLoaded(candidates)
			if !ok {
				r.logger.Warn("no eligible online node to schedule deployment pod", "serviceId", svc.ID)
				break
			}
			pod, err := r.createAndStart(ctx, svc, node)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return onVersion, err
				}
				r.logger.Warn("failed to schedule deployment pod", "serviceId", svc.ID, "nodeId", node.ID, "error", err)
				continue
			}
			onVersion = append(onVersion, pod)
			localAllocated[node.ID]++
		}
	} else if current > desired {
		sorted := make([]store.Pod, len(onVersion))
		copy(sorted, onVersion)
		// Incarnation is a monotone per-service counter assigned at create
		// time, so it orders newest-first without depending on wall-clock
		// resolution the way CreatedAt would.
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Incarnation > sorted[j].Incarnation })

		toStop := current - desired
		for i := 0; i < toStop && i < len(sorted); i++ {
			pod := sorted[i]
			updated, err := r.store.UpdatePod(ctx, pod.ID, pod.Version, func(p *store.Pod) {
				p.Status = store.PodStopping
			})
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return onVersion, err
				}
				r.logger.Warn("failed to mark excess pod stopping", "serviceId", svc.ID, "podId", pod.ID, "error", err)
				continue
			}
			if err := r.dispatcher.Stop(updated, dispatch.StopReasonUserRequested); err != nil {
				r.logger.Warn("dispatcher stop failed for excess pod, left stopping",
					"serviceId", svc.ID, "podId", pod.ID, "error", err)
			}
			onVersion = removePod(onVersion, pod.ID)
		}
	}

	return onVersion, nil
}

func withLocalLoad(nodes []store.Node, allocated map[string]int) []store.Node {
	out := make([]store.Node, len(nodes))
	for i, n := range nodes {
		n.Allocated.Pods = fmt.Sprintf("%d", allocated[n.ID])
		out[i] = n
	}
	return out
}

func removePod(pods []store.Pod, id string) []store.Pod {
	out := pods[:0]
	for _, p := range pods {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *Reconciler) createAndStart(ctx context.Context, svc store.Service, node store.Node) (store.Pod, error) {
	incarnation := r.store.NextIncarnation(ctx, svc.ID)
	pod, err := r.store.CreatePod(ctx, store.Pod{
		ServiceID:    svc.ID,
		PackID:       svc.PackID,
		PackVersion:  svc.PackVersion,
		NodeID:       node.ID,
		Namespace:    svc.Namespace,
		Incarnation:  incarnation,
		VolumeMounts: svc.VolumeMounts,
	})
	if err != nil {
		return store.Pod{}, fmt.Errorf("create pod on node %s: %w", node.ID, err)
	}
	if err := r.dispatcher.Start(pod, node, nil); err != nil {
		// Left in pending; Step D sees it uncovered (if DaemonSet) or
		// under-replicated (if Deployment) again next tick and retries.
		return pod, fmt.Errorf("dispatch start for pod %s: %w", pod.ID, err)
	}
	return pod, nil
}

// stepEUpdateObservedState writes readyReplicas/availableReplicas/
// updatedReplicas/observedGeneration back to the service.
func (r *Reconciler) stepEUpdateObservedState(ctx context.Context, svc store.Service, pack store.Pack, onVersion, offVersion []store.Pod, consecutiveFailures int, degraded bool) error {
	ready := 0
	for _, p := range onVersion {
		if p.Status == store.PodRunning {
			ready++
		}
	}

	desiredCount := svc.Replicas
	if svc.Replicas == 0 {
		nodes, err := r.store.ListNodes(ctx, store.Filter{})
		if err != nil {
			return fmt.Errorf("list nodes for observed state of service %s: %w", svc.ID, err)
		}
		onlineSet := make(map[string]bool)
		for _, id := range r.online.SnapshotOnline() {
			onlineSet[id] = true
		}
		desiredCount = len(scheduler.Eligible(nodes, onlineSet, svc, pack))
	}

	_, err := r.store.UpdateService(ctx, svc.ID, svc.Version, func(s *store.Service) {
		s.ReadyReplicas = ready
		s.AvailableReplicas = ready
		s.UpdatedReplicas = len(onVersion)
		s.ConsecutiveFailures = consecutiveFailures
		s.Degraded = degraded
		if len(offVersion) == 0 && len(onVersion) >= desiredCount {
			s.ObservedGeneration = s.Generation
		}
	})
	if err != nil {
		return fmt.Errorf("write observed state for service %s: %w", svc.ID, err)
	}
	return nil
}
