// Package logging builds the host's zap logger with a rotated JSON file
// and a console mirror.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/stone-age-io/svchost/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a zap logger whose level can be changed while running.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

// New creates a logger writing JSON to cfg.File with rotation and plain
// text to console. A nil console disables the console mirror.
func New(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     28, // days
		Compress:   true,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level),
	}
	if console != nil {
		cores = append(cores,
			zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(console), level))
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
		level:  level,
		file:   fileWriter,
	}, nil
}

// Stdout is the console writer used when the process has a terminal.
func Stdout() io.Writer { return os.Stdout }

// SetLevel changes the minimum enabled level.
func (l *Logger) SetLevel(name string) error {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if lvl != l.level.Level() {
		l.Info("Log level changed",
			zap.Stringer("from", l.level.Level()),
			zap.Stringer("to", lvl))
		l.level.SetLevel(lvl)
	}
	return nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	return l.file.Close()
}
