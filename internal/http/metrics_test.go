package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/namespaces/:ns/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"namespace": c.Param("ns")})
	})

	for _, path := range []string{"/health", "/api/v1/namespaces/acme/status", "/api/v1/namespaces/globex/status"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	foundResponseSize := false

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "phased.http.requests_total":
				foundRequests = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				byEndpoint := map[string]int64{}
				for _, dp := range sum.DataPoints {
					v, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					byEndpoint[v.AsString()] += dp.Value
				}
				if got := byEndpoint["/api/v1/namespaces/:ns/status"]; got != 2 {
					t.Errorf("expected 2 status requests under the route label, got %d (%v)", got, byEndpoint)
				}
				if got := byEndpoint["/health"]; got != 1 {
					t.Errorf("expected 1 health request, got %d", got)
				}
			case "phased.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 3 {
						t.Errorf("expected 3 duration recordings, got %d", total)
					}
				}
			case "phased.http.response_size_bytes":
				foundResponseSize = true
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
	if !foundResponseSize {
		t.Error("response size histogram not found")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/approvals/:id/resolve", "/api/v1/approvals/:id/resolve"},
	}

	for _, tt := range tests {
		if result := normalizePath(tt.input); result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestHTTPMetrics_RecordAction(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &HTTPMetrics{meter: mp.Meter(httpInstrumentationName), logger: zap.NewNop()}
	m.init()

	ctx := context.Background()
	m.RecordAction(ctx, "run")
	m.RecordAction(ctx, "approved")
	m.RecordAction(ctx, "approved")

	var nilMetrics *HTTPMetrics
	nilMetrics.RecordAction(ctx, "run")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	byAction := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "phased.http.operator_actions_total" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("action"))
				byAction[v.AsString()] += dp.Value
			}
		}
	}
	if byAction["run"] != 1 || byAction["approved"] != 2 {
		t.Errorf("unexpected action counts: %v", byAction)
	}
}
