// Package monitoring owns the process logger. Packages log through Logf for
// free-form diagnostics or through L for structured fields.
package monitoring

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Logf is the package-level diagnostic logger. It defaults to the zap logger
// at info level but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	L().Sugar().Infof(format, v...)
}

// SetLogger replaces the Logf hook. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// L returns the structured logger.
func L() *zap.Logger { return base.Load() }

// Init replaces the structured logger. dev selects the console encoder at
// debug level; otherwise JSON at the given level is used.
func Init(dev bool, level string) error {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Use(l)
	return nil
}

// Use installs l as the structured logger and routes Logf through it.
func Use(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
	sugar := l.WithOptions(zap.AddCallerSkip(1)).Sugar()
	Logf = sugar.Infof
}

// Sync flushes buffered log entries.
func Sync() { _ = L().Sync() }
