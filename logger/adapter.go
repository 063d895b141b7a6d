package logger

import (
	"time"

	"github.com/rs/zerolog"
)

// LogEventAdapter adapts *zerolog.Event to LogEvent, masking sensitive keys on the way.
// A nil zerolog event (level disabled) is safe: zerolog treats it as a no-op.
type LogEventAdapter struct {
	event  *zerolog.Event
	filter *SensitiveDataFilter
}

func (a *LogEventAdapter) with(e *zerolog.Event) LogEvent {
	return &LogEventAdapter{event: e, filter: a.filter}
}

// Msg sends the event
func (a *LogEventAdapter) Msg(msg string) { a.event.Msg(msg) }

// Msgf sends the event with a formatted message
func (a *LogEventAdapter) Msgf(format string, args ...any) { a.event.Msgf(format, args...) }

// Err adds an error
func (a *LogEventAdapter) Err(err error) LogEvent { return a.with(a.event.Err(err)) }

// Str adds a string field, masked when the key is sensitive
func (a *LogEventAdapter) Str(key, value string) LogEvent {
	if a.filter != nil {
		value = a.filter.FilterString(key, value)
	}
	return a.with(a.event.Str(key, value))
}

// Bool adds a bool field
func (a *LogEventAdapter) Bool(key string, value bool) LogEvent {
	return a.with(a.event.Bool(key, value))
}

// Int adds an int field
func (a *LogEventAdapter) Int(key string, value int) LogEvent {
	return a.with(a.event.Int(key, value))
}

// Int64 adds an int64 field
func (a *LogEventAdapter) Int64(key string, value int64) LogEvent {
	return a.with(a.event.Int64(key, value))
}

// Uint64 adds a uint64 field
func (a *LogEventAdapter) Uint64(key string, value uint64) LogEvent {
	return a.with(a.event.Uint64(key, value))
}

// Dur adds a duration field
func (a *LogEventAdapter) Dur(key string, d time.Duration) LogEvent {
	return a.with(a.event.Dur(key, d))
}

// Interface adds an arbitrary field, masked when the key is sensitive
func (a *LogEventAdapter) Interface(key string, i any) LogEvent {
	if a.filter != nil {
		i = a.filter.FilterValue(key, i)
	}
	return a.with(a.event.Interface(key, i))
}

// Bytes adds a byte slice field
func (a *LogEventAdapter) Bytes(key string, val []byte) LogEvent {
	return a.with(a.event.Bytes(key, val))
}
