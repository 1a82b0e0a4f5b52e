// Package logging wraps logrus with the request/trace-id context plumbing
// the rest of the node's packages expect.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	nodeIDKey
)

// Logger wraps a logrus entry/logger pair with the node's convenience
// helpers.
type Logger struct {
	base *logrus.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
// JSON output when w is not a terminal file descriptor; text output
// otherwise, matching what an operator sees when running the node by hand.
func New(level string, w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if f, ok := w.(*os.File); ok && isTerminal(f) {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Logger{base: l}
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// NewTraceID returns a fresh 128-bit trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID reads the trace id from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithNodeID attaches the owning node's identity to ctx.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// GetNodeID reads the node identity from ctx, or "" if absent.
func GetNodeID(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey).(string)
	return id
}

// entryOrLogger lets WithContext/WithError/WithFields chain off either the
// base logger or a prior entry without duplicating every method.
type entryOrLogger interface {
	logrus.Ext1FieldLogger
}

// Entry is a logger bound to a set of structured fields, returned by the
// With* helpers so calls chain naturally: logger.WithContext(ctx).WithError(err).Warn(...).
type Entry struct {
	entry entryOrLogger
}

func (l *Logger) entry() entryOrLogger { return l.base }

// WithContext derives an Entry carrying the request's trace id.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	fields := logrus.Fields{}
	if id := GetTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	if id := GetNodeID(ctx); id != "" {
		fields["node_id"] = id
	}
	return &Entry{entry: l.base.WithFields(fields)}
}

// WithError derives an Entry carrying err.
func (l *Logger) WithError(err error) *Entry {
	return &Entry{entry: l.base.WithError(err)}
}

// WithFields derives an Entry carrying the given structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	return &Entry{entry: l.base.WithFields(fields)}
}

func (l *Logger) Debug(args ...interface{}) { l.base.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.base.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.base.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.base.Error(args...) }

// WithError derives a further Entry carrying err in addition to e's fields.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{entry: e.entry.WithError(err)}
}

// WithFields derives a further Entry carrying additional fields.
func (e *Entry) WithFields(fields map[string]interface{}) *Entry {
	return &Entry{entry: e.entry.WithFields(fields)}
}

func (e *Entry) Debug(args ...interface{}) { e.entry.Debug(args...) }
func (e *Entry) Info(args ...interface{})  { e.entry.Info(args...) }
func (e *Entry) Warn(args ...interface{})  { e.entry.Warn(args...) }
func (e *Entry) Error(args ...interface{}) { e.entry.Error(args...) }

// LogRequest logs one completed HTTP request at info level.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, durationMS float64) {
	l.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": durationMS,
	}).Info("request completed")
}

// LogSecurityEvent logs an auth/ratelimit/quota denial at warn level with a
// stable event name so operators can alert on it.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	e := l.WithContext(ctx).WithFields(fields)
	e.entry.(*logrus.Entry).WithField("security_event", event).Warn(event)
}
