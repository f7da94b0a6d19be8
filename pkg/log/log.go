// Copyright 2025 The clatd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a thin wrapper around uber/zap with a key-value
// oriented API. The root logger is configured once at startup via Setup;
// child loggers with additional context are created with New.
package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the logging subsystem.
type Config struct {
	Console ConsoleConfig `toml:"console,omitempty"`
}

// InitDefaults populates unset fields with default values.
func (c *Config) InitDefaults() {
	c.Console.InitDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return c.Console.Validate()
}

// ConsoleConfig configures the console logger.
type ConsoleConfig struct {
	// Level of console logging (debug|info|error).
	Level string `toml:"level,omitempty"`
	// Format of the console logging (human|json).
	Format string `toml:"format,omitempty"`
	// DisableCaller stops annotating logs with the calling function's file
	// name and line number.
	DisableCaller bool `toml:"disable_caller,omitempty"`
}

func (c *ConsoleConfig) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "human"
	}
}

func (c *ConsoleConfig) Validate() error {
	if _, err := zapcore.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("unsupported log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "", "human", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Format)
	}
	return nil
}

var root = zap.NewNop()

// Setup configures the root logger. It must be called before the logging
// functions are used; until then all logs are discarded.
func Setup(cfg Config) error {
	cfg.InitDefaults()
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Console.Level))
	if err != nil {
		return err
	}
	encoding := "json"
	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Console.Format != "json" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     cfg.Console.DisableCaller,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	logger, err := zCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	root = logger
	return nil
}

// Flush writes the logs to the underlying buffer.
func Flush() {
	_ = root.Sync()
}

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...interface{}) Logger
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) WithOptions(opts ...zap.Option) Logger {
	return &logger{logger: l.logger.WithOptions(opts...)}
}

// New creates a logger with the given context attached.
func New(ctx ...interface{}) Logger {
	return Root().New(ctx...)
}

// Root returns the root logger. It is never nil.
func Root() Logger {
	return &logger{logger: root}
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...interface{}) {
	root.Debug(msg, convertCtx(ctx)...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...interface{}) {
	root.Info(msg, convertCtx(ctx)...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...interface{}) {
	root.Error(msg, convertCtx(ctx)...)
}

// HandlePanic catches panics and logs them. It is meant to be deferred at the
// top of every goroutine.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.Error("Panic", zap.Any("msg", msg), zap.Stack("stack"))
		Flush()
		panic(msg)
	}
}

func convertCtx(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}
