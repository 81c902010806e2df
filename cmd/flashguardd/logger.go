package main

import (
	"flag"
	"fmt"
	stdslog "log/slog"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/config"
	fgglog "github.com/unkn0wn-root/flashguard/log/glog"
	fglogrus "github.com/unkn0wn-root/flashguard/log/logrus"
	fgslog "github.com/unkn0wn-root/flashguard/log/slog"
	fgzap "github.com/unkn0wn-root/flashguard/log/zap"
	fgzerolog "github.com/unkn0wn-root/flashguard/log/zerolog"
)

// newLogger builds the library logger for cfg.Backend. The returned func
// flushes buffered output.
func newLogger(cfg config.Log) (flashguard.Logger, func(), error) {
	level := strings.ToLower(cfg.Level)
	switch cfg.Backend {
	case "zap":
		var zl zapcore.Level
		if err := zl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zl)
		l, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return fgzap.New(l), func() { _ = l.Sync() }, nil

	case "logrus":
		ll, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(ll)
		return fglogrus.New(l), func() {}, nil

	case "slog":
		l, err := newSlog(level)
		if err != nil {
			return nil, nil, err
		}
		return fgslog.New(l), func() {}, nil

	case "zerolog":
		zl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := zerolog.New(os.Stderr).Level(zl).With().Timestamp().Logger()
		return fgzerolog.New(l), func() {}, nil

	case "glog":
		// glog owns its flags; -v and -logtostderr still win when given.
		if level == "debug" && flag.Lookup("v").Value.String() == "0" {
			_ = flag.Set("v", "1")
		}
		return fgglog.Logger{}, glog.Flush, nil
	}
	return nil, nil, fmt.Errorf("unknown log backend %q", cfg.Backend)
}

// newSlog backs the slog adapter and the cache event hooks.
func newSlog(level string) (*stdslog.Logger, error) {
	var sl stdslog.Level
	if err := sl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return stdslog.New(stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: sl})), nil
}
