// Package logger wraps zap with the small leveled key/value surface the rest
// of the codebase uses.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format string
	// File receives output when set; empty means stdout.
	File string
}

// Logger is the project-wide logging handle.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	z := zap.New(zapcore.NewCore(encoder, sink, level))
	return &Logger{zap: z, sugar: z.Sugar()}, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar()}
}

// With returns a child logger with the given key/value pairs attached.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	s := l.sugar.With(keysAndValues...)
	return &Logger{zap: s.Desugar(), sugar: s}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

// Close flushes buffered entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
