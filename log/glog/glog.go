// Package glog adapts flashguard.Logger to github.com/golang/glog.
// Debug maps to V(1).
package glog

import (
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/unkn0wn-root/flashguard"
)

var _ flashguard.Logger = Logger{}

type Logger struct{}

func (Logger) Debug(msg string, f flashguard.Fields) {
	if glog.V(1) {
		glog.InfoDepth(1, line(msg, f))
	}
}
func (Logger) Info(msg string, f flashguard.Fields)  { glog.InfoDepth(1, line(msg, f)) }
func (Logger) Warn(msg string, f flashguard.Fields)  { glog.WarningDepth(1, line(msg, f)) }
func (Logger) Error(msg string, f flashguard.Fields) { glog.ErrorDepth(1, line(msg, f)) }

// line renders msg followed by sorted k=v pairs.
func line(msg string, f flashguard.Fields) string {
	if len(f) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range f.Keys() {
		fmt.Fprintf(&b, " %s=%v", k, f[k])
	}
	return b.String()
}
