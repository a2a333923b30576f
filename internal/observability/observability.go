package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	EventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_received_total",
		Help: "Inbound EventNotify frames read from the socket.",
	})
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_events_dispatched_total",
		Help: "Canonical events fanned out to state holders, by device.",
	}, []string{"device_id"})
	EventsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_skipped_total",
		Help: "Inbound events that could not be normalized.",
	})
	CommandsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_sent_total",
		Help: "Outbound commands written to the socket.",
	})
	CommandsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_dropped_total",
		Help: "Outbound commands dropped because no socket was attached.",
	})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ws_reconnects_total",
		Help: "WebSocket reconnection attempts.",
	})
	TokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_token_refreshes_total",
		Help: "Full credential exchanges against the auth endpoint.",
	})
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Local HTTP requests by endpoint, method, and status.",
	}, []string{"endpoint", "method", "status"})
)

func init() {
	prometheus.MustRegister(EventsReceived, EventsDispatched, EventsSkipped,
		CommandsSent, CommandsDropped, Reconnects, TokenRefreshes, requestCounter)
}

// Setup wires the prometheus exporter and (when OTEL_EXPORTER_OTLP_ENDPOINT
// is set) an OTLP trace exporter. Returns a shutdown func, the /metrics
// handler, and a tracer.
func Setup(serviceName string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Error("failed to create prometheus exporter", "error", err)
		os.Exit(1)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("failed to create otel resource", "error", err)
		os.Exit(1)
	}

	var tp *trace.TracerProvider
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			slog.Error("failed to create otlp exporter", "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() { _ = tp.Shutdown(context.Background()) }
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.status
			span.SetAttributes(attribute.Int("http.status_code", status))
			requestCounter.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())
			span.End()
		})
	}
}

func WrapHandler(tracer oteltrace.Tracer, serviceName string, next http.Handler) http.Handler {
	return MetricsAndTracingMiddleware(tracer, serviceName)(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
