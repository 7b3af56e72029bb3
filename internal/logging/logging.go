// Package logging builds the structured logger used by the engine and CLI.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Logger is a zap logger whose level can change at run time.
type Logger struct {
	*zap.Logger
	level  zap.AtomicLevel
	closer io.Closer
}

// New returns a JSON logger at cfg.Level. When cfg.File is set, output goes
// to a size-rotated file; otherwise it goes to w.
func New(cfg types.LogConfig, w io.Writer) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{level: zap.NewAtomicLevelAt(lvl)}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		sink, l.closer = zapcore.AddSync(rotator), rotator
	} else {
		sink = zapcore.AddSync(w)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, l.level)
	l.Logger = zap.New(core, zap.AddCaller())
	return l, nil
}

// SetLevel switches the level of this logger and every logger derived from
// it.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

// Close flushes the logger and releases the log file, if any.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a config level name to a zap level. The empty string is
// info.
func ParseLevel(name string) (zapcore.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return lvl, fmt.Errorf("%w: %q", types.ErrLogLevelUnknown, name)
	}
	return lvl, nil
}
