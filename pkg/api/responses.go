package api

// HealthCheck is one component's health verdict.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
	Stats   map[string]any         `json:"stats,omitempty"`
}

// ContextHealthResponse is the GET /api/v1/hop/health body.
type ContextHealthResponse struct {
	ContextID string  `json:"contextId"`
	Quality   string  `json:"quality"`
	LatencyMS float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// StatusResponse wraps a plain ok acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}
