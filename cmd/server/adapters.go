package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// serviceLogger adapts zerolog.Logger to services.Logger.
type serviceLogger struct {
	logger zerolog.Logger
}

func newServiceLogger(logger zerolog.Logger, component string) *serviceLogger {
	return &serviceLogger{logger: logger.With().Str("component", component).Logger()}
}

func (l *serviceLogger) Debug(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Debug(), keysAndValues).Msg(msg)
}

func (l *serviceLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Info(), keysAndValues).Msg(msg)
}

func (l *serviceLogger) Warn(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Warn(), keysAndValues).Msg(msg)
}

func (l *serviceLogger) Error(msg string, keysAndValues ...interface{}) {
	withFields(l.logger.Error(), keysAndValues).Msg(msg)
}

// withFields adds alternating key/value pairs to event. A trailing key
// without a value is dropped.
func withFields(event *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		switch v := keysAndValues[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case float64:
			event = event.Float64(key, v)
		case bool:
			event = event.Bool(key, v)
		case error:
			event = event.AnErr(key, v)
		case time.Duration:
			event = event.Dur(key, v)
		case time.Time:
			event = event.Time(key, v)
		case fmt.Stringer:
			event = event.Stringer(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	return event
}
