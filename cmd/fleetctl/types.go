package main

import "time"

// These mirror internal/store's JSON tags rather than importing the
// store package directly: fleetctl only ever sees services and pods as
// the control plane's HTTP surface serializes them, the same boundary
// any other client of the API would cross.

type resourceList struct {
	CPU     string `json:"cpu,omitempty"`
	Memory  string `json:"memory,omitempty"`
	Pods    string `json:"pods,omitempty"`
	Storage string `json:"storage,omitempty"`
}

type toleration struct {
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

type service struct {
	ID                  string            `json:"id"`
	Version             uint64            `json:"version"`
	Name                string            `json:"name"`
	Namespace           string            `json:"namespace"`
	PackID              string            `json:"packId"`
	PackVersion         string            `json:"packVersion"`
	FollowLatest        bool              `json:"followLatest"`
	Replicas            int               `json:"replicas"`
	Status              string            `json:"status"`
	Visibility          string            `json:"visibility"`
	Exposed             bool              `json:"exposed"`
	Generation          uint64            `json:"generation"`
	ObservedGeneration  uint64            `json:"observedGeneration"`
	ReadyReplicas       int               `json:"readyReplicas"`
	AvailableReplicas   int               `json:"availableReplicas"`
	UpdatedReplicas     int               `json:"updatedReplicas"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Degraded            bool              `json:"degraded"`
	Labels              map[string]string `json:"labels,omitempty"`
}

type pod struct {
	ID            string     `json:"id"`
	Version       uint64     `json:"version"`
	ServiceID     string     `json:"serviceId,omitempty"`
	PackID        string     `json:"packId"`
	PackVersion   string     `json:"packVersion"`
	NodeID        string     `json:"nodeId,omitempty"`
	Namespace     string     `json:"namespace"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	Incarnation   uint64     `json:"incarnation"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
}

type createServiceRequest struct {
	Name             string            `json:"name"`
	Namespace        string            `json:"namespace"`
	PackID           string            `json:"packId"`
	PackVersion      string            `json:"packVersion"`
	FollowLatest     bool              `json:"followLatest"`
	Replicas         int               `json:"replicas"`
	Labels           map[string]string `json:"labels,omitempty"`
	Tolerations      []toleration      `json:"tolerations,omitempty"`
	ResourceRequests resourceList      `json:"resourceRequests"`
	ResourceLimits   resourceList      `json:"resourceLimits"`
	Visibility       string            `json:"visibility"`
	Exposed          bool              `json:"exposed"`
}

type scaleRequest struct {
	Replicas int `json:"replicas"`
}

type rollbackRequest struct {
	PackVersion string `json:"packVersion"`
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

type createPodRequest struct {
	PackID    string `json:"packId"`
	NodeID    string `json:"nodeId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}
