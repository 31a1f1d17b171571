package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Options selects the log level and the optional rotated file output
type Options struct {
	Debug bool
	// File enables a JSON log file next to the console output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions returns console-only logging at info level
func DefaultOptions() Options {
	return Options{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30}
}

// Init sets up the global logger. Only the first call has an effect.
func Init(opts Options) {
	once.Do(func() {
		log = New(opts)
	})
}

// New builds a logger writing to stderr and, if opts.File is set, to a
// rotated JSON file. Stdout is left to command output.
func New(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	consoleConfig := zap.NewProductionEncoderConfig()
	if opts.Debug {
		level = zapcore.DebugLevel
		consoleConfig = zap.NewDevelopmentEncoderConfig()
	}
	consoleConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	tee := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		tee = append(tee, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(tee...), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Get returns the global logger, initializing console logging on first use
func Get() *zap.Logger {
	if log == nil {
		Init(DefaultOptions())
	}
	return log
}

// Sync flushes buffered entries
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
