package api

import (
	"net/http"
)

// healthResponse reports whether the engine still accepts dispatches.
// While the engine drains after shutdown has begun, /healthz answers 503
// so load balancers stop routing new submissions here.
type healthResponse struct {
	Status   string `json:"status"`
	Commands int    `json:"commands"`
}

const (
	healthOK       = "ok"
	healthDraining = "draining"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   healthOK,
		Commands: len(s.registry.List()),
	}
	status := http.StatusOK
	if !s.engine.Accepting() {
		resp.Status = healthDraining
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
