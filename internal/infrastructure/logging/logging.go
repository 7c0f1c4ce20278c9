// Package logging builds the zap loggers used by the binaries
package logging

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console logger when
// environment is "development". level is a zap level name such as "debug".
func New(level, environment string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", level)
	}

	var config zap.Config
	if strings.EqualFold(environment, "development") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
