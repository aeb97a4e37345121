package domain

import "time"

// CircuitState is the per-service breaker state owned by the mesh client.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ServiceDescriptor describes one registered service. Descriptors are
// created at registration, updated on every call outcome and removed only
// by explicit deregistration.
type ServiceDescriptor struct {
	Name          string       `json:"name"`
	Endpoints     []string     `json:"endpoints"`
	CircuitState  CircuitState `json:"circuitState"`
	FailureCount  int          `json:"failureCount"`
	LastFailureAt time.Time    `json:"lastFailureAt,omitzero"`
	RegisteredAt  time.Time    `json:"registeredAt,omitzero"`
}

// TopologyEdge is one observed caller->callee relationship.
type TopologyEdge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	CallCount int64     `json:"callCount"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Topology is a point-in-time view of known services and observed calls.
type Topology struct {
	Services []ServiceDescriptor `json:"services"`
	Edges    []TopologyEdge      `json:"edges"`
}
