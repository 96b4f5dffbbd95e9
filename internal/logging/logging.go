// Package logging wraps zap the way TileMUD's server expects to log:
// structured, leveled, safe to call before Initialize runs.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process-wide logger. It is a no-op until Initialize is called,
// so package-level code that logs during init() never panics.
var L = zap.NewNop().Sugar()

// Initialize installs the real logger. jsonOutput selects structured JSON
// (for production / log aggregation) versus a plain console encoder (for
// local development).
func Initialize(jsonOutput bool) error {
	var zl *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zl, err = cfg.Build()
	} else {
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(os.Stdout),
			zap.DebugLevel,
		))
	}
	if err != nil {
		return err
	}

	L = zl.Sugar()
	return nil
}

// With returns a child logger pre-populated with the given key/value pairs.
func With(kv ...interface{}) *zap.SugaredLogger {
	return L.With(kv...)
}
