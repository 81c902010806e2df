package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/flashguard"
)

var _ flashguard.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New wraps l; a nil l logs nowhere.
func New(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{L: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z ZapLogger) Debug(msg string, f flashguard.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f flashguard.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f flashguard.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f flashguard.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f flashguard.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for _, k := range f.Keys() {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
