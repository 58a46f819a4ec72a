package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/types"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

var output io.Writer = os.Stdout

// Configure sets the process-wide level and output format.
// Loggers created afterwards pick up the output.
func Configure(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		output = os.Stdout
	}
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerWithWriter(service, output)
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for attribution events

func (l *Logger) LogDecision(ctx context.Context, d *types.Decision) {
	l.WithContext(ctx).Info().
		Str("order_id", d.OrderID).
		Str("campaign_id", d.CampaignID).
		Str("primary_agency", d.PrimaryAgency).
		Str("model", string(d.Model)).
		Int("confidence", d.Confidence).
		Int("touchpoints", d.TouchpointCount).
		Int64("version", d.Version).
		Msg("attribution decision committed")
}

func (l *Logger) LogFallback(ctx context.Context, orderID, reason string) {
	l.WithContext(ctx).Info().
		Str("order_id", orderID).
		Str("reason", reason).
		Msg("attribution fell back")
}

func (l *Logger) LogIntakeRejected(ctx context.Context, sessionID string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("session_id", sessionID).
		Msg("touchpoint rejected")
}

func (l *Logger) LogRebuildComplete(ctx context.Context, sessions int, duration float64) {
	l.WithContext(ctx).Info().
		Int("sessions_indexed", sessions).
		Float64("duration_ms", duration).
		Str("operation", "rebuild_index").
		Msg("index rebuild completed")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
