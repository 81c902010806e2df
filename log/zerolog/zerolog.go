package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/flashguard"
)

var _ flashguard.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f flashguard.Fields) { fields(z.L.Debug(), f).Msg(msg) }
func (z Logger) Info(msg string, f flashguard.Fields)  { fields(z.L.Info(), f).Msg(msg) }
func (z Logger) Warn(msg string, f flashguard.Fields)  { fields(z.L.Warn(), f).Msg(msg) }
func (z Logger) Error(msg string, f flashguard.Fields) { fields(z.L.Error(), f).Msg(msg) }

// fields is a no-op on a disabled (nil) event.
func fields(ev *zerolog.Event, f flashguard.Fields) *zerolog.Event {
	if ev == nil || len(f) == 0 {
		return ev
	}
	for _, k := range f.Keys() {
		switch v := f[k].(type) {
		case error:
			ev = ev.AnErr(k, v)
		case string:
			ev = ev.Str(k, v)
		default:
			ev = ev.Interface(k, v)
		}
	}
	return ev
}
