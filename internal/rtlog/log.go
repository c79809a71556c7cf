// Package rtlog builds the runtime's shared logger. Grounded on
// app/log/logger.go and app/log/helper.go in the teacher: a
// github.com/go-kratos/kratos/v2/log.Helper sitting on top of a
// github.com/rs/zerolog console writer, rather than either library used
// directly by call sites. Components accept an injected *log.Helper
// (mirroring Runtime.GetLogger() in plugins/plugin.go) instead of reaching
// for a package-level global.
package rtlog

import (
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/rs/zerolog"
)

// zerologSink adapts a zerolog.Logger to kratos/log.Logger, the same role
// the teacher's own sink plays between zerolog and kratos logging.
type zerologSink struct {
	zl zerolog.Logger
}

// NewSink builds a kratos log.Logger backed by a colorized zerolog console
// writer with RFC3339Nano timestamps, matching the teacher's development
// logging format.
func NewSink() log.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano}
	zl := zerolog.New(writer).With().Timestamp().Logger()
	return &zerologSink{zl: zl}
}

// Log implements kratos/log.Logger.
func (s *zerologSink) Log(level log.Level, keyvals ...any) error {
	evt := s.eventForLevel(level)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		evt = evt.Interface(key, keyvals[i+1])
	}
	evt.Send()
	return nil
}

func (s *zerologSink) eventForLevel(level log.Level) *zerolog.Event {
	switch level {
	case log.LevelDebug:
		return s.zl.Debug()
	case log.LevelWarn:
		return s.zl.Warn()
	case log.LevelError:
		return s.zl.Error()
	case log.LevelFatal:
		return s.zl.Fatal()
	default:
		return s.zl.Info()
	}
}

// NewLogger builds the component-scoped base log.Logger, carrying a
// component field the way the teacher attaches service.id to every line.
// Keep the returned Logger around so WithPlugin can derive further-scoped
// helpers from it.
func NewLogger(component string) log.Logger {
	return log.With(NewSink(), "component", component, "ts", log.DefaultTimestamp)
}

// New builds a *log.Helper directly from a component name, for components
// that never need a further plugin/operation-scoped derivation.
func New(component string) *log.Helper {
	return log.NewHelper(NewLogger(component))
}

// WithPlugin derives a log.Helper scoped to one plugin id and operation
// from a component's base Logger, mirroring the per-request field
// attachment the teacher does around plugin operations.
func WithPlugin(base log.Logger, pluginID, operation string) *log.Helper {
	return log.NewHelper(log.With(base, "plugin_id", pluginID, "operation", operation))
}
