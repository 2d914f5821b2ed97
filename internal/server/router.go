package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gradeflow-systems/gradeflow/internal/handlers"
	"github.com/gradeflow-systems/gradeflow/internal/middleware"
)

// NewRouter constructs a ServeMux with the controller's intake routes
// registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	// Queue-facing endpoints
	mux.HandleFunc("/grading_controller/submit/", h.Submit)
	mux.HandleFunc("/grading_controller/submit_message/", h.SubmitMessage)

	// Health endpoint
	mux.HandleFunc("/healthz", h.Health)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
