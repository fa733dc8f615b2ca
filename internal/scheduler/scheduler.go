// Package scheduler picks which online node a new pod lands on. It holds no
// state of its own — every decision is a pure function of the node and
// service snapshots the reconciler already read this tick.
package scheduler

import (
	"sort"
	"strconv"

	"fleetforge/controlplane/internal/store"
)

// Eligible filters the online node set down to nodes a service's pods may
// run on: matching the service's pack runtime tag against the node's
// runtime, satisfying the service's label selector, and tolerating the
// node's taints.
func Eligible(nodes []store.Node, onlineIDs map[string]bool, svc store.Service, pack store.Pack) []store.Node {
	var out []store.Node
	for _, n := range nodes {
		if !onlineIDs[n.ID] {
			continue
		}
		if pack.RuntimeTag != "" && n.RuntimeType != pack.RuntimeTag {
			continue
		}
		if !labelsMatch(svc.Labels, n.Labels) {
			continue
		}
		if !tolerates(svc.Tolerations, n.Taints) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func labelsMatch(selector, nodeLabels map[string]string) bool {
	for k, v := range selector {
		if nodeLabels[k] != v {
			return false
		}
	}
	return true
}

func tolerates(tolerations []store.Toleration, taints []store.Toleration) bool {
	for _, taint := range taints {
		tolerated := false
		for _, tol := range tolerations {
			if tol.Key == taint.Key && (tol.Value == taint.Value || tol.Value == "") && tol.Effect == taint.Effect {
				tolerated = true
				break
			}
		}
		if !tolerated {
			return false
		}
	}
	return true
}

// LeastLoaded picks the eligible node with the lowest allocated/allocatable
// pod ratio, ties broken by ascending nodeID so placement is deterministic
// across runs given the same input snapshot.
func LeastLoaded(eligible []store.Node) (store.Node, bool) {
	if len(eligible) == 0 {
		return store.Node{}, false
	}

	candidates := make([]store.Node, len(eligible))
	copy(candidates, eligible)
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := loadRatio(candidates[i]), loadRatio(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

func loadRatio(n store.Node) float64 {
	allocatable := parsePods(n.Allocatable.Pods)
	if allocatable <= 0 {
		return 1 // a node advertising zero capacity is treated as fully loaded
	}
	allocated := parsePods(n.Allocated.Pods)
	return float64(allocated) / float64(allocatable)
}

func parsePods(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
