package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once  sync.Once
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log   *zap.SugaredLogger
)

// Logger returns the process-wide sugared logger, building it on first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		log = l.Sugar()
	})
	return log
}

// SetVerbose switches the global log level between Info and Debug.
func SetVerbose(verbose bool) {
	if verbose {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

func Debugf(format string, args ...interface{}) { Logger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Logger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Logger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger().Errorf(format, args...) }
