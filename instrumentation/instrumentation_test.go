package instrumentation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		wantHandler bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "enabled without exporters",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:        "prometheus exporter",
			config:      Config{Enabled: true, PrometheusEnabled: true},
			wantHandler: true,
		},
		{
			name: "otlp exporter",
			config: Config{
				Enabled:      true,
				OTLPEndpoint: "localhost:4318",
				OTLPInsecure: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			if inst.Meter("server") == nil || inst.Tracer("server") == nil {
				t.Fatal("Meter/Tracer returned nil")
			}
			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if (inst.MetricsHandler() != nil) != tt.wantHandler {
				t.Errorf("MetricsHandler() present = %v, want %v", inst.MetricsHandler() != nil, tt.wantHandler)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// The OTLP exporter connects lazily, so shutdown without a
			// collector only flushes an empty batch.
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.config.TraceSamplingRate != 1.0 {
		t.Errorf("TraceSamplingRate = %v, want 1.0", inst.config.TraceSamplingRate)
	}
}

func TestPrometheusExposition(t *testing.T) {
	inst, err := New(Config{Enabled: true, PrometheusEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordCodeExchange(ctx, "spa-client", "S256")
	inst.Metrics().RecordCodeReuseDetected(ctx)

	var pending int64 = 3
	err = inst.RegisterStorageSizeCallbacks(StorageSizeCallbacks{
		PendingAuthorizations: func() int64 { return pending },
	})
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	srv := httptest.NewServer(inst.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		"oauth_code_exchanged",
		`client_id="spa-client"`,
		"oauth_code_reuse_detected",
		"storage_pending_authorizations_count",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{Enabled: true, PrometheusEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordAuthorizationStarted(ctx, clientID)
				inst.Metrics().RecordStorageOperation(ctx, "save_authorization_code", "success", 0.2)
				_, span := inst.Tracer("server").Start(ctx, "concurrent-span")
				span.End()
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMetrics_RecordHTTPRequest(b *testing.B) {
	inst, _ := New(Config{Enabled: true, PrometheusEnabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	metrics := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.5)
	}
}
