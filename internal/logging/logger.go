package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given environment.
// Production gets a sampled JSON logger with ISO8601 timestamps; everything else gets a colored console logger.
func New(environment, level, format string) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.DisableStacktrace = true
		config.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))

	switch format {
	case "json":
		config.Encoding = "json"
		config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	case "console":
		config.Encoding = "console"
	}

	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build(zap.AddCaller())
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Email returns a zap field with the address masked, e.g. "a***@b.com".
func Email(email string) zap.Field {
	return zap.String("email", MaskEmail(email))
}

// MaskEmail keeps the first character of the local part and the full domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "****"
	}
	return email[:1] + "***" + email[at:]
}
