// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package logging provides the shared logger for the SDK, a thin
// wrapper over zap with a process-wide level that tests can lower.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level aliases the zap level type so callers need not import zapcore.
type Level = zapcore.Level

const (
	// DebugLevel logs protocol-level detail.
	DebugLevel = zapcore.DebugLevel
	// InfoLevel is the default level.
	InfoLevel = zapcore.InfoLevel
	// WarnLevel logs recoverable anomalies.
	WarnLevel = zapcore.WarnLevel
	// ErrorLevel logs failures surfaced to callers.
	ErrorLevel = zapcore.ErrorLevel
)

var (
	mu    sync.Mutex
	level = zap.NewAtomicLevelAt(InfoLevel)
	root  *zap.Logger
)

// GetLogger returns a sugared logger named by the given path segments.
func GetLogger(names ...string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = newRoot()
	}
	logger := root
	for _, name := range names {
		logger = logger.Named(name)
	}
	return logger.Sugar()
}

// SetLevel adjusts the level for all loggers handed out by GetLogger.
func SetLevel(l Level) {
	level.SetLevel(l)
}

// SetLogger replaces the root logger for later GetLogger calls. Loggers
// already handed out keep the previous root; this includes the SDK
// packages' own loggers, which are obtained at package initialization.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
}

func newRoot() *zap.Logger {
	config := zap.NewProductionConfig()
	config.Level = level
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
