// logging.go - structured logging for a Loop and its managers.
//
// Unlike the package-global logger this module replaced, logging here is an
// instance value: each Loop owns a *RuntimeLogger, set via WithLogger at
// construction. Loops built without that option log nothing, at zero cost.

package asyncrt

import (
	"io"

	"github.com/joeycumines/go-utilpkg/logiface"
	zlog "github.com/joeycumines/go-utilpkg/logiface/zerolog"
	"github.com/rs/zerolog"
)

// RuntimeLogger is the structured logging sink shared by a Loop and the
// managers layered on top of it (pools, queues, the poller). It wraps a
// logiface.Logger backed by zerolog.
type RuntimeLogger struct {
	l *logiface.Logger[*zlog.Event]
}

// NewRuntimeLogger builds a RuntimeLogger that writes JSON lines to w at the
// given minimum level.
func NewRuntimeLogger(w io.Writer, level zerolog.Level) *RuntimeLogger {
	z := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return &RuntimeLogger{l: logiface.New(zlog.WithZerolog(z))}
}

// newNoopRuntimeLogger returns a RuntimeLogger with no writer configured;
// every call is a no-op. This is the default for a Loop built without
// WithLogger.
func newNoopRuntimeLogger() *RuntimeLogger {
	return &RuntimeLogger{l: logiface.New[*zlog.Event]()}
}

// Debug logs msg at debug level with the given fields.
func (r *RuntimeLogger) Debug(msg string, fields map[string]any) {
	r.log(r.l.Debug(), msg, fields)
}

// Info logs msg at informational level with the given fields.
func (r *RuntimeLogger) Info(msg string, fields map[string]any) {
	r.log(r.l.Info(), msg, fields)
}

// Warn logs msg at warning level with the given fields.
func (r *RuntimeLogger) Warn(msg string, fields map[string]any) {
	r.log(r.l.Warning(), msg, fields)
}

// Error logs msg at error level, attaching err if non-nil.
func (r *RuntimeLogger) Error(msg string, err error) {
	b := r.l.Err()
	if b == nil {
		return
	}
	if err != nil {
		b = b.Err(err)
	}
	b.Log(msg)
}

// Panic logs a recovered panic value at critical level.
func (r *RuntimeLogger) Panic(msg string, recovered any) {
	b := r.l.Crit()
	if b == nil {
		return
	}
	b.Field("panic", recovered).Log(msg)
}

func (r *RuntimeLogger) log(b *logiface.Builder[*zlog.Event], msg string, fields map[string]any) {
	if b == nil {
		return
	}
	for k, v := range fields {
		b = b.Field(k, v)
	}
	b.Log(msg)
}

// logPanic routes a recovered panic through the loop's logger, defaulting to
// a no-op if none was configured.
func (l *Loop) logPanic(msg string, recovered any) {
	if l.logger == nil {
		return
	}
	l.logger.Panic(msg, recovered)
}

// logError routes an error condition through the loop's logger.
func (l *Loop) logError(msg string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Error(msg, err)
}
