package parentsync

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the rotating client log.
type LogConfig struct {
	Path       string `toml:"path"`        // directory holding the log file
	FileName   string `toml:"file_name"`   // defaults to <Path>/parentsync.log
	MaxSize    int    `toml:"max_size"`    // megabytes per file
	MaxBackups int    `toml:"max_backups"` // rotated files kept
	MaxAge     int    `toml:"max_age"`     // days a rotated file is kept
	Level      string `toml:"level"`       // debug, info, warn, error
}

func (c *LogConfig) defaults() {
	if c.FileName == "" {
		c.FileName = filepath.Join(c.Path, "parentsync.log")
	}
	if c.MaxSize == 0 {
		c.MaxSize = 10
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.MaxAge == 0 {
		c.MaxAge = 14
	}
	if c.Level == "" {
		c.Level = "info"
	}
}

// WithDefaults returns c with unset fields filled in the way NewLogger fills them.
func (c LogConfig) WithDefaults() LogConfig {
	c.defaults()
	return c
}

// NewLogger builds a JSON logger writing to a rotating file. In dev mode the
// same entries are also written to stderr in console format.
func NewLogger(cfg LogConfig, dev bool) (*zap.Logger, error) {
	cfg.defaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if dir := filepath.Dir(cfg.FileName); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cannot create log directory: %w", err)
		}
	}

	fileCore := zapcore.NewCore(jsonEncoder(), zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FileName,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	}), level)

	core := fileCore
	if dev {
		console := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.DebugLevel,
		)
		core = zapcore.NewTee(fileCore, console)
	}
	return zap.New(core, zap.AddCaller()), nil
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
