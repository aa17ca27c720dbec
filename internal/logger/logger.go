package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"phoenix/config"
)

// Logger wraps zap with a key/value call style.
type Logger struct {
	*zap.Logger
}

// NewLogger builds the bootstrap logger from the process configuration.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config is required")
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level, zapcore.InfoLevel))
	zapCfg.Encoding = cfg.Encoding
	if zapCfg.Encoding == "" {
		zapCfg.Encoding = "json"
	}
	zapCfg.EncoderConfig.TimeKey = "time"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zapCfg.OutputPaths = []string{output}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{Logger: zl}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// HandlerSettings configures one output of a document-driven logger.
type HandlerSettings struct {
	MinLevel string `json:"min_level"`
	MaxLevel string `json:"max_level"`
	FilePath string `json:"file_path,omitempty"`
}

// Settings is the "logger" block of a configuration document.
type Settings struct {
	Level       string                     `json:"level"`
	LoggerName  string                     `json:"logger_name"`
	ModuleName  string                     `json:"module_name"`
	Application string                     `json:"application"`
	Category    string                     `json:"category"`
	Handlers    map[string]HandlerSettings `json:"handlers"`
}

// FromSettings builds a logger from a configuration document's logger block.
// Each handler writes the records between its min and max level; with no
// handlers, records go to stdout.
func FromSettings(s Settings) (*Logger, error) {
	level := parseLevel(s.Level, zapcore.DebugLevel)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	handlers := s.Handlers
	if len(handlers) == 0 {
		handlers = map[string]HandlerSettings{"stdout": {}}
	}

	cores := make([]zapcore.Core, 0, len(handlers))
	for kind, h := range handlers {
		sink, err := handlerSink(kind, h)
		if err != nil {
			return nil, err
		}
		enabler := levelRange(level, parseLevel(h.MinLevel, zapcore.DebugLevel), parseLevel(h.MaxLevel, zapcore.FatalLevel))
		cores = append(cores, zapcore.NewCore(encoder, sink, enabler))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if s.LoggerName != "" {
		zl = zl.Named(s.LoggerName)
	}

	fields := make([]zap.Field, 0, 3)
	for key, value := range map[string]string{
		"module_name": s.ModuleName,
		"application": s.Application,
		"category":    s.Category,
	} {
		if value != "" {
			fields = append(fields, zap.String(key, value))
		}
	}

	return &Logger{Logger: zl.With(fields...)}, nil
}

func handlerSink(kind string, h HandlerSettings) (zapcore.WriteSyncer, error) {
	switch kind {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "file":
		if h.FilePath == "" {
			return nil, fmt.Errorf("file log handler requires file_path")
		}
		path := h.FilePath
		if !strings.ContainsRune(path, os.PathSeparator) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(wd, path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		return zapcore.Lock(f), nil
	default:
		return nil, fmt.Errorf("unknown log handler %q", kind)
	}
}

func levelRange(floor, min, max zapcore.Level) zap.LevelEnablerFunc {
	return func(l zapcore.Level) bool {
		return l >= floor && l >= min && l <= max
	}
}

// parseLevel accepts zap names and the upper-case names used in configuration
// documents (DEBUG, INFO, WARNING, ERROR, CRITICAL).
func parseLevel(level string, fallback zapcore.Level) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "critical", "fatal":
		return zapcore.FatalLevel
	default:
		return fallback
	}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	return l.Logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// With returns a child logger that adds the key/value pairs to every record.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.Sugar().With(args...).Desugar()}
}

// Fatal logs a message at Fatal level and exits the program
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.sugar().Errorw(msg, args...)
	_ = l.Logger.Sync()
	os.Exit(1)
}

// Error logs a message at Error level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.sugar().Errorw(msg, args...)
}

// Warn logs a message at Warn level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.sugar().Warnw(msg, args...)
}

// Info logs a message at Info level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.sugar().Infow(msg, args...)
}

// Debug logs a message at Debug level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.sugar().Debugw(msg, args...)
}

// Sync flushes buffered records.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
