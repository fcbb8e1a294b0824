package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLoggingMode selects the zap configuration of DefaultLogger: "prod" or anything else for development.
const EnvLoggingMode = "SHPREACTOR_LOGGING_MODE"

// EnvLoggingLevel overrides the minimum level of DefaultLogger, e.g. "debug", "warn".
const EnvLoggingLevel = "SHPREACTOR_LOGGING_LEVEL"

var (
	// DefaultLogger is the default logger inside the reactor engine.
	DefaultLogger Logger
	zapLogger     *zap.Logger
)

func init() {
	zapLogger = newZapLogger(os.Getenv(EnvLoggingMode), os.Getenv(EnvLoggingLevel))
	DefaultLogger = zapLogger.Sugar()
}

func newZapLogger(mode, level string) *zap.Logger {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod":
		cfg = zap.NewProductionConfig()
	default:
		// Other values except "prod" create the development logger.
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Named returns a child of DefaultLogger tagged with the given component name.
func Named(name string) Logger {
	return zapLogger.Named(name).Sugar()
}

// Cleanup does something windup for logger, like closing, flushing, etc.
func Cleanup() {
	_ = zapLogger.Sync()
}

// Logger is used for logging formatted messages.
type Logger interface {
	// Debugf logs messages at DEBUG level.
	Debugf(format string, args ...interface{})
	// Infof logs messages at INFO level.
	Infof(format string, args ...interface{})
	// Warnf logs messages at WARN level.
	Warnf(format string, args ...interface{})
	// Errorf logs messages at ERROR level.
	Errorf(format string, args ...interface{})
	// Fatalf logs messages at FATAL level.
	Fatalf(format string, args ...interface{})
}
