package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/fixd"

// newCore builds the console/JSON core and, when requested and available,
// tees it into the OpenTelemetry log bridge.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}
	core := zapcore.NewCore(encoder, outputSyncer(cfg.Output), cfg.Level)

	if cfg.OTEL && otelProvider != nil {
		otelCore := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(otelProvider))
		return zapcore.NewTee(core, otelCore), nil
	}
	return core, nil
}
