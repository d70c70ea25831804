package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"subsync/internal/config"
)

// fakeProbe implements HealthProbe for testing.
type fakeProbe struct {
	name  string
	err   error
	block bool
	panic bool
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Check(ctx context.Context) error {
	if p.panic {
		panic("probe exploded")
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func newHealthTestServer(t *testing.T, probes ...HealthProbe) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.HealthProbes = probes
	return srv
}

func doHealthRequest(srv *Server) (*httptest.ResponseRecorder, healthResponse) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, req)

	var resp healthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newHealthTestServer(t)

	rec, resp := doHealthRequest(srv)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp.Status != "healthy" {
		t.Errorf("body status = %q, want healthy", resp.Status)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	srv := newHealthTestServer(t,
		&fakeProbe{name: "database"},
		&fakeProbe{name: "queue"},
	)

	rec, resp := doHealthRequest(srv)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database component = %+v, want healthy", resp.Components["database"])
	}
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("queue component = %+v, want healthy", resp.Components["queue"])
	}
}

func TestHandleHealth_FailingProbe(t *testing.T) {
	srv := newHealthTestServer(t,
		&fakeProbe{name: "database", err: errors.New("connection refused")},
		&fakeProbe{name: "queue"},
	)

	rec, resp := doHealthRequest(srv)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("body status = %q, want unhealthy", resp.Status)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("database component = %+v, want unhealthy", resp.Components["database"])
	}
	// The healthy subsystem is still reported.
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("queue component = %+v, want healthy", resp.Components["queue"])
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	srv := newHealthTestServer(t,
		&fakeProbe{name: "database", block: true},
		&fakeProbe{name: "queue"},
	)

	rec, resp := doHealthRequest(srv)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("slow probe should be reported unhealthy, got %+v", resp.Components["database"])
	}
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	srv := newHealthTestServer(t,
		&fakeProbe{name: "database", panic: true},
	)

	rec, resp := doHealthRequest(srv)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("panicking probe should be reported unhealthy, got %+v", resp.Components["database"])
	}
}
