package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByCommand       map[string]int `json:"by_command"`
	TotalInstances  int            `json:"total_instances"`
	FailedInstances int            `json:"failed_instances"`
	OutputLines     int            `json:"output_lines"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetDispatchStats(r.Context())
	if err != nil {
		s.logger.Error("get dispatch stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.CountByStatus,
		ByCommand:       stats.CountByCommand,
		TotalInstances:  stats.TotalInstances,
		FailedInstances: stats.FailedInstances,
		OutputLines:     stats.OutputLines,
	})
}
