package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LoggerConfig selects the encoder and the fields stamped on every entry
type LoggerConfig struct {
	Service string
	Env     string
	Mode    string // api, worker or all
	Level   string // debug, info, warn, error; empty keeps the env default
}

// InitLogger builds the process-wide logger and installs it as the zap global.
// Every entry carries service, env and mode so api and worker output can be told apart.
func InitLogger(cfg LoggerConfig) error {
	built, err := newZapConfig(cfg).Build(zap.Fields(baseFields(cfg)...))
	if err != nil {
		return err
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

func newZapConfig(cfg LoggerConfig) zap.Config {
	var zc zap.Config
	if cfg.Env == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return zc
}

func baseFields(cfg LoggerConfig) []zap.Field {
	fields := []zap.Field{zap.String("service", cfg.Service)}
	if cfg.Env != "" {
		fields = append(fields, zap.String("env", cfg.Env))
	}
	if cfg.Mode != "" {
		fields = append(fields, zap.String("mode", cfg.Mode))
	}
	return fields
}

// GetLogger returns the global logger, falling back to a development logger
// for tests and tools that never call InitLogger.
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes buffered entries; call it once on shutdown
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
