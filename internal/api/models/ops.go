package models

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// Readiness reports each dependency the API needs to serve requests.
type Readiness struct {
	Status       HealthStatus       `json:"status"`
	Time         Timestamp          `json:"time"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// DependencyStatus is the result of one readiness check.
type DependencyStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}
