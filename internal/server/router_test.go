package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/handlers"
	"github.com/gradeflow-systems/gradeflow/internal/logging"
	"github.com/gradeflow-systems/gradeflow/internal/store"
)

type mockCreator struct{}

func (m *mockCreator) CreateSubmission(context.Context, *store.Submission) error { return nil }

type mockRouter struct{}

func (m *mockRouter) Route(context.Context, *envelope.Message) (int64, error) { return 1, nil }

func newRouter() http.Handler {
	h := handlers.New(&mockCreator{}, &mockRouter{}, logging.New(slog.LevelError, "text"))
	return NewRouter(h)
}

func TestRouterSubmitRegistered(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodPost, "/grading_controller/submit/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code == http.StatusNotFound {
		t.Error("/grading_controller/submit/ endpoint not registered")
	}
}

func TestRouterSubmitMessageRegistered(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodPost, "/grading_controller/submit_message/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code == http.StatusNotFound {
		t.Error("/grading_controller/submit_message/ endpoint not registered")
	}
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("/healthz returned %d, want 200", rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("/metrics returned %d, want 200", rr.Code)
	}
}

func TestRouterRequestIDHeader(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}
