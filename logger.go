package flashguard

import (
	"maps"
	"slices"
)

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is the leveled logger every flashguard package writes to.
// Adapters for zap, logrus, slog, zerolog and glog live under log/.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// Keys returns the field names in sorted order so adapters emit stable output.
func (f Fields) Keys() []string {
	return slices.Sorted(maps.Keys(f))
}
