/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package logging bootstraps the process-wide zap logger and exposes a
// logr.Logger facade for packages that accept the logr interface, mirroring
// the teacher's dual-logger convention.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configure the process logger.
type Options struct {
	// Level is one of debug|info|warn|error. Defaults to info.
	Level string
	// JSON selects structured JSON output; when false, a human-readable
	// console encoder is used (CLI default).
	JSON bool
}

// New builds a zap.Logger per Options. It has no error path and never
// returns nil, so callers never need to handle a nil logger.
func New(opts Options) *zap.Logger {
	level := parseLevel(opts.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	logger := zap.New(core, zap.AddCaller())
	return logger
}

// Logr wraps a zap.Logger as a logr.Logger for packages that accept the
// logr facade (mirrors the teacher's internal/tenant and internal/state use
// of go-logr/logr over a zap-backed core).
func Logr(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
