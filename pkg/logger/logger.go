package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

type ctxKey string

const (
	CallIDKey    ctxKey = "call_id"
	AccountIDKey ctxKey = "account_id"
	RequestIDKey ctxKey = "request_id"
)

var (
	defaultLogger *Logger
)

type Config struct {
	Level  string
	Format string
	Output string
	File   FileConfig
	Fields map[string]interface{}
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Init(cfg Config) error {
	log := logrus.New()

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	switch {
	case cfg.File.Enabled:
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		})
	case cfg.Output == "stderr":
		log.SetOutput(os.Stderr)
	default:
		log.SetOutput(os.Stdout)
	}

	fields := logrus.Fields{
		"app":     "softphone-core",
		"version": "1.0.0",
		"pid":     os.Getpid(),
	}

	for k, v := range cfg.Fields {
		fields[k] = v
	}

	defaultLogger = &Logger{
		Logger: log,
		fields: fields,
	}

	return nil
}

// Discard installs a logger that drops everything. Used by tests and one-shot CLI commands.
func Discard() {
	log := logrus.New()
	log.SetOutput(io.Discard)
	defaultLogger = &Logger{Logger: log, fields: logrus.Fields{}}
}

func WithContext(ctx context.Context) *Logger {
	fields := logrus.Fields{}

	for _, key := range []ctxKey{RequestIDKey, CallIDKey, AccountIDKey} {
		if v := ctx.Value(key); v != nil {
			fields[string(key)] = v
		}
	}

	return base().WithFields(fields)
}

func base() *Logger {
	if defaultLogger == nil {
		return &Logger{Logger: logrus.New(), fields: make(logrus.Fields)}
	}
	return defaultLogger
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(map[string]interface{}{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

// Log methods that use the logger fields
func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// Convenience functions
func Debug(args ...interface{}) { base().Debug(args...) }
func Info(args ...interface{})  { base().Info(args...) }
func Warn(args ...interface{})  { base().Warn(args...) }
func Error(args ...interface{}) { base().Error(args...) }
func Fatal(args ...interface{}) { base().Fatal(args...) }

func WithField(key string, value interface{}) *Logger {
	return base().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *Logger {
	return base().WithFields(fields)
}

func WithError(err error) *Logger {
	return base().WithError(err)
}
