package logger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger implements ports.Logger on logrus with a size-rotated JSON log
// file. Used for long-running deployments where stderr is not collected.
type FileLogger struct {
	logger *logrus.Logger
}

// NewFileLogger creates a rotating JSON file logger. The file rotates at
// 100 MB, keeps 14 days of compressed history.
func NewFileLogger(path string, level LogLevel) *FileLogger {
	l := logrus.New()
	l.SetOutput(&lumberjack.Logger{
		Filename: path,
		MaxSize:  100,
		MaxAge:   14,
		Compress: true,
	})
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	l.SetLevel(logrusLevel(level))
	return &FileLogger{logger: l}
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *FileLogger) entry(fields ...map[string]interface{}) *logrus.Entry {
	if len(fields) > 0 && fields[0] != nil {
		return l.logger.WithFields(logrus.Fields(fields[0]))
	}
	return logrus.NewEntry(l.logger)
}

// Debug logs a message at Debug level.
func (l *FileLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Debug(msg)
}

// Info logs a message at Info level.
func (l *FileLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Info(msg)
}

// Warn logs a message at Warning level.
func (l *FileLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).Warn(msg)
}

// Error logs an error message at Error level.
func (l *FileLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.entry(fields...).WithError(err).Error(msg)
}
