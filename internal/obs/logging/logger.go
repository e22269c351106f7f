// Package logging provides structured logging for pipeline components.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through a delivery's handling.
type ContextKey string

const (
	// RoutingKeyKey is the context key for the routing key of the message being handled.
	RoutingKeyKey ContextKey = "routing_key"
	// MessageIDKey is the context key for the broker message id.
	MessageIDKey ContextKey = "message_id"
	// ComponentKey is the context key for the owning component name.
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with pipeline-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for a named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext builds a logger entry carrying whatever delivery-scoped fields
// are present on ctx (routing key, message id).
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if rk := ctx.Value(RoutingKeyKey); rk != nil {
		entry = entry.WithField("routing_key", rk)
	}
	if id := ctx.Value(MessageIDKey); id != nil {
		entry = entry.WithField("message_id", id)
	}

	return entry
}

// WithFields builds a logger entry with custom fields plus the component field.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError builds a logger entry carrying an error plus the component field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// WithRoutingKey adds the routing key of the in-flight delivery to ctx.
func WithRoutingKey(ctx context.Context, routingKey string) context.Context {
	return context.WithValue(ctx, RoutingKeyKey, routingKey)
}

// WithMessageID adds the broker message id of the in-flight delivery to ctx.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// LogDelivery logs a consumed delivery being handed to the stage handler.
func (l *Logger) LogDelivery(ctx context.Context, routingKey string, bodyLen int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"routing_key": routingKey,
		"body_bytes":  bodyLen,
	}).Debug("delivery received")
}

// LogPublish logs a successful publish of a derived message.
func (l *Logger) LogPublish(ctx context.Context, routingKey string, confirmed bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"routing_key": routingKey,
		"confirmed":   confirmed,
	}).Debug("message published")
}

// LogQuarantine logs a message being diverted to quarantine.
func (l *Logger) LogQuarantine(ctx context.Context, routingKey string, reason string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"routing_key": routingKey,
		"reason":      reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("message quarantined")
}

// LogFatalResource logs a FatalResource classification immediately before the
// process requeues its input and exits.
func (l *Logger) LogFatalResource(ctx context.Context, code string, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"fatal_code": code,
	}).WithError(err).Error("fatal resource error, requeuing input and exiting")
}

var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, constructing a fallback if uninitialized.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}
