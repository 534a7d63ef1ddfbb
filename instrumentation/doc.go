// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Metrics are exported in Prometheus format when PrometheusEnabled is set;
// mount MetricsHandler on /metrics. Traces are exported over OTLP/HTTP when
// OTLPEndpoint is set. With Enabled false every instrument is a no-op.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:       "oauthserver",
//		Enabled:           true,
//		PrometheusEnabled: true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Authorization flow:
//   - oauth.authorization.started{client_id}
//   - oauth.authorization.resumed{client_id, outcome}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{reason}
//   - oauth.access_token.signed{alg}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.operation.retries{operation}
//   - storage.*.count gauges registered through RegisterStorageSizeCallbacks
//
// Provider:
//   - provider.login.total{provider, outcome}
//   - provider.login.duration{provider}
package instrumentation
