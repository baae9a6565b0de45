package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapConfigLevels(t *testing.T) {
	prod := newZapConfig(LoggerConfig{Env: "production"})
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, zapcore.InfoLevel, prod.Level.Level())

	dev := newZapConfig(LoggerConfig{Env: "development"})
	assert.Equal(t, "console", dev.Encoding)
	assert.Equal(t, zapcore.DebugLevel, dev.Level.Level())

	quiet := newZapConfig(LoggerConfig{Env: "production", Level: "warn"})
	assert.Equal(t, zapcore.WarnLevel, quiet.Level.Level())

	bogus := newZapConfig(LoggerConfig{Env: "production", Level: "chatty"})
	assert.Equal(t, zapcore.InfoLevel, bogus.Level.Level())
}

func TestBaseFieldsAreStampedOnEntries(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core).With(baseFields(LoggerConfig{Service: "subscription-service", Env: "production", Mode: "worker"})...)

	log.Info("Task completed")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		ctx := entries[0].ContextMap()
		assert.Equal(t, "subscription-service", ctx["service"])
		assert.Equal(t, "production", ctx["env"])
		assert.Equal(t, "worker", ctx["mode"])
	}
}

func TestBaseFieldsSkipEmptyValues(t *testing.T) {
	fields := baseFields(LoggerConfig{Service: "subscription-service"})
	assert.Len(t, fields, 1)
	assert.Equal(t, "service", fields[0].Key)
}
