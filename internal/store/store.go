package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Store is the authoritative source of observed state. Every mutation
// method rejects a stale version with ErrConflict; the caller is
// expected to re-read and retry. Create/Update return the persisted
// record with its store-assigned ID and bumped version.
type Store interface {
	CreatePack(ctx context.Context, p Pack) (Pack, error)
	GetPack(ctx context.Context, id string) (Pack, error)
	LatestPack(ctx context.Context, name string) (Pack, error)
	ListPacks(ctx context.Context, f Filter) ([]Pack, error)

	CreateNode(ctx context.Context, n Node) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	UpdateNode(ctx context.Context, id string, version uint64, patch func(*Node)) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, f Filter) ([]Node, error)

	CreateService(ctx context.Context, s Service) (Service, error)
	GetService(ctx context.Context, id string) (Service, error)
	GetServiceByName(ctx context.Context, namespace, name string) (Service, error)
	UpdateService(ctx context.Context, id string, version uint64, patch func(*Service)) (Service, error)
	ListServices(ctx context.Context, f Filter) ([]Service, error)

	CreatePod(ctx context.Context, p Pod) (Pod, error)
	GetPod(ctx context.Context, id string) (Pod, error)
	UpdatePod(ctx context.Context, id string, version uint64, patch func(*Pod)) (Pod, error)
	DeletePod(ctx context.Context, id string) error
	ListPods(ctx context.Context, f Filter) ([]Pod, error)

	// NextIncarnation allocates the next monotone incarnation counter
	// for a service: one past both its last allocation and the highest
	// incarnation among the service's stored pods, so 1 for a service
	// never seen before.
	NextIncarnation(ctx context.Context, serviceID string) uint64

	// Watch subscribes to change events for one collection (see the
	// Collection* constants). The returned cancel func must be called
	// to release the subscription.
	Watch(collection string) (<-chan ChangeEvent, func())
}

// Memory is an in-memory Store implementation. It is the store used by
// tests and by single-replica deployments; multi-replica deployments
// layer internal/store's NATS-backed change feed on top (see
// natsfeed.go) rather than replacing this layer, since the record data
// itself stays authoritative in one process per spec.md §4.1.
type Memory struct {
	mu sync.RWMutex

	packs    map[string]Pack
	nodes    map[string]Node
	services map[string]Service
	pods     map[string]Pod

	incarnations map[string]uint64

	packFeed    *feed
	nodeFeed    *feed
	serviceFeed *feed
	podFeed     *feed
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		packs:        make(map[string]Pack),
		nodes:        make(map[string]Node),
		services:     make(map[string]Service),
		pods:         make(map[string]Pod),
		incarnations: make(map[string]uint64),
		packFeed:     newFeed(),
		nodeFeed:     newFeed(),
		serviceFeed:  newFeed(),
		podFeed:      newFeed(),
	}
}

func (m *Memory) Watch(collection string) (<-chan ChangeEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch collection {
	case CollectionPacks:
		return m.packFeed.subscribe(32)
	case CollectionNodes:
		return m.nodeFeed.subscribe(32)
	case CollectionServices:
		return m.serviceFeed.subscribe(32)
	case CollectionPods:
		return m.podFeed.subscribe(32)
	default:
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
}

// --- Packs ---

func (m *Memory) CreatePack(_ context.Context, p Pack) (Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.packs {
		if existing.Name == p.Name && existing.PackVersion == p.PackVersion {
			return Pack{}, fmt.Errorf("pack %s@%s already exists: %w", p.Name, p.PackVersion, ErrDuplicate)
		}
	}
	if p.Name == "" || p.PackVersion == "" || p.BundleLocation == "" {
		return Pack{}, fmt.Errorf("pack requires name, version, bundleLocation: %w", ErrValidation)
	}
	if _, err := semver.NewVersion(p.PackVersion); err != nil {
		return Pack{}, fmt.Errorf("pack version %q is not valid semver: %w", p.PackVersion, ErrValidation)
	}

	p.ID = uuid.NewString()
	p.Version = 1
	m.packs[p.ID] = p
	m.packFeed.publish(ChangeEvent{Collection: CollectionPacks, ID: p.ID, Kind: ChangeCreated})
	return p, nil
}

func (m *Memory) GetPack(_ context.Context, id string) (Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[id]
	if !ok {
		return Pack{}, fmt.Errorf("pack %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// LatestPack returns the lexicographic-semver maximum among records
// sharing name. The caller-visibility filter (public/private/system) is
// the API Surface's responsibility; the store itself performs no
// authorization.
func (m *Memory) LatestPack(_ context.Context, name string) (Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Pack
	var bestVer *semver.Version
	for _, p := range m.packs {
		if p.Name != name {
			continue
		}
		v, err := semver.NewVersion(p.PackVersion)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			bestVer = v
			best = p
		}
	}
	if bestVer == nil {
		return Pack{}, fmt.Errorf("pack name %s: %w", name, ErrNotFound)
	}
	return best, nil
}

func (m *Memory) ListPacks(_ context.Context, f Filter) ([]Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Pack
	for _, p := range m.packs {
		if f.Name != "" && f.Name != p.Name {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Nodes ---

func (m *Memory) CreateNode(_ context.Context, n Node) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.Name == "" {
		return Node{}, fmt.Errorf("node requires name: %w", ErrValidation)
	}
	n.ID = uuid.NewString()
	n.Version = 1
	m.nodes[n.ID] = n
	m.nodeFeed.publish(ChangeEvent{Collection: CollectionNodes, ID: n.ID, Kind: ChangeCreated})
	return n, nil
}

func (m *Memory) GetNode(_ context.Context, id string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, nil
}

func (m *Memory) UpdateNode(_ context.Context, id string, version uint64, patch func(*Node)) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if n.Version != version {
		return Node{}, fmt.Errorf("node %s at version %d, caller read %d: %w", id, n.Version, version, ErrConflict)
	}
	patch(&n)
	n.Version++
	m.nodes[id] = n
	m.nodeFeed.publish(ChangeEvent{Collection: CollectionNodes, ID: id, Kind: ChangeUpdated})
	return n, nil
}

func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	delete(m.nodes, id)
	m.nodeFeed.publish(ChangeEvent{Collection: CollectionNodes, ID: id, Kind: ChangeDeleted})
	return nil
}

func (m *Memory) ListNodes(_ context.Context, f Filter) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Node
	for _, n := range m.nodes {
		if f.Status != "" && f.Status != string(n.Status) {
			continue
		}
		if f.Name != "" && f.Name != n.Name {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Services ---

func (m *Memory) CreateService(_ context.Context, s Service) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.services {
		if existing.Name == s.Name && existing.Namespace == s.Namespace {
			return Service{}, fmt.Errorf("service %s/%s already exists: %w", s.Namespace, s.Name, ErrDuplicate)
		}
	}
	if s.Name == "" || s.Namespace == "" || s.PackID == "" {
		return Service{}, fmt.Errorf("service requires name, namespace, packId: %w", ErrValidation)
	}
	if s.Replicas < 0 {
		return Service{}, fmt.Errorf("service replicas must be >= 0: %w", ErrValidation)
	}

	s.ID = uuid.NewString()
	s.Version = 1
	if s.Generation == 0 {
		s.Generation = 1
	}
	if s.Status == "" {
		s.Status = ServiceActive
	}
	m.services[s.ID] = s
	m.serviceFeed.publish(ChangeEvent{Collection: CollectionServices, ID: s.ID, Kind: ChangeCreated})
	return s, nil
}

func (m *Memory) GetService(_ context.Context, id string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return Service{}, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) GetServiceByName(_ context.Context, namespace, name string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.services {
		if s.Namespace == namespace && s.Name == name {
			return s, nil
		}
	}
	return Service{}, fmt.Errorf("service %s/%s: %w", namespace, name, ErrNotFound)
}

func (m *Memory) UpdateService(_ context.Context, id string, version uint64, patch func(*Service)) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.services[id]
	if !ok {
		return Service{}, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	if s.Version != version {
		return Service{}, fmt.Errorf("service %s at version %d, caller read %d: %w", id, s.Version, version, ErrConflict)
	}
	patch(&s)
	s.Version++
	m.services[id] = s
	m.serviceFeed.publish(ChangeEvent{Collection: CollectionServices, ID: id, Kind: ChangeUpdated})
	return s, nil
}

func (m *Memory) ListServices(_ context.Context, f Filter) ([]Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Service
	for _, s := range m.services {
		if f.Namespace != "" && f.Namespace != s.Namespace {
			continue
		}
		if f.Status != "" && f.Status != string(s.Status) {
			continue
		}
		if f.Name != "" && f.Name != s.Name {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Pods ---

func (m *Memory) CreatePod(_ context.Context, p Pod) (Pod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.PackID == "" {
		return Pod{}, fmt.Errorf("pod requires packId: %w", ErrValidation)
	}
	if p.ServiceID != "" {
		for _, existing := range m.pods {
			if existing.ServiceID == p.ServiceID && existing.Incarnation == p.Incarnation {
				return Pod{}, fmt.Errorf("pod (service=%s, incarnation=%d) already exists: %w",
					p.ServiceID, p.Incarnation, ErrDuplicate)
			}
		}
	}
	if p.Status == "" {
		p.Status = PodPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	p.ID = uuid.NewString()
	p.Version = 1
	m.pods[p.ID] = p
	m.podFeed.publish(ChangeEvent{Collection: CollectionPods, ID: p.ID, Kind: ChangeCreated})
	return p, nil
}

func (m *Memory) GetPod(_ context.Context, id string) (Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pods[id]
	if !ok {
		return Pod{}, fmt.Errorf("pod %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) UpdatePod(_ context.Context, id string, version uint64, patch func(*Pod)) (Pod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pods[id]
	if !ok {
		return Pod{}, fmt.Errorf("pod %s: %w", id, ErrNotFound)
	}
	if p.Version != version {
		return Pod{}, fmt.Errorf("pod %s at version %d, caller read %d: %w", id, p.Version, version, ErrConflict)
	}
	if p.Status.Terminal() {
		// Invariant 4: a terminal pod's stoppedAt is set and never again
		// mutated. Terminal pods are otherwise frozen too — nothing moves
		// a pod out of a terminal state.
		return Pod{}, fmt.Errorf("pod %s is terminal (%s), no further updates: %w", id, p.Status, ErrValidation)
	}
	patch(&p)
	p.Version++
	m.pods[id] = p
	m.podFeed.publish(ChangeEvent{Collection: CollectionPods, ID: id, Kind: ChangeUpdated})
	return p, nil
}

func (m *Memory) DeletePod(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pods[id]; !ok {
		return fmt.Errorf("pod %s: %w", id, ErrNotFound)
	}
	delete(m.pods, id)
	m.podFeed.publish(ChangeEvent{Collection: CollectionPods, ID: id, Kind: ChangeDeleted})
	return nil
}

func (m *Memory) ListPods(_ context.Context, f Filter) ([]Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Pod
	for _, p := range m.pods {
		if f.Namespace != "" && f.Namespace != p.Namespace {
			continue
		}
		if f.Status != "" && f.Status != string(p.Status) {
			continue
		}
		if f.ServiceID != "" && f.ServiceID != p.ServiceID {
			continue
		}
		if f.NodeID != "" && f.NodeID != p.NodeID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) NextIncarnation(_ context.Context, serviceID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.incarnations[serviceID]
	for _, p := range m.pods {
		if p.ServiceID == serviceID && p.Incarnation > next {
			next = p.Incarnation
		}
	}
	next++
	m.incarnations[serviceID] = next
	return next
}
