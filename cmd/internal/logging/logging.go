// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package logging builds the zapr-backed logr.Logger every process
// front-end starts with, mirroring the teacher's "opts := zap.Options{};
// ctrl.SetLogger(zap.New(...))" setup without pulling in
// controller-runtime's logging wrapper, which this engine has no
// reconciler to justify (DESIGN.md: dropped controller-runtime).
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a console-encoded zap logger at the given level name
// ("debug", "info", "warn", "error") wrapped as a logr.Logger.
func New(name, level string) (logr.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return logr.Logger{}, fmt.Errorf("logging: %q is not a valid level: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("logging: building zap logger: %w", err)
	}
	return zapr.NewLogger(zl).WithName(name), nil
}
