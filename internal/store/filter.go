package store

// Filter selects records by the indexed fields named in the data model:
// namespace, status, serviceId, nodeId, name. A zero-value field is not
// applied as a predicate. List returns an immutable snapshot — callers
// never observe a record mutate underneath a returned slice.
type Filter struct {
	Namespace string
	Status    string
	ServiceID string
	NodeID    string
	Name      string
}
