package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupExposesPrometheusHandler(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := Setup(context.Background(), Config{ServiceName: "livetag-test"}, log)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()
	if p.Handler == nil {
		t.Fatalf("expected metrics handler")
	}

	counter, err := otel.Meter("test").Int64Counter("livetag_test_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "livetag_test_total") {
		t.Fatalf("expected counter in scrape output")
	}
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
