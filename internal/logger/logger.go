// Package logger writes one JSON object per line:
//
//	{"level":"info","timestamp":"...","message":"...","job_id":"...","video_id":"...",
//	 "component":"worker","error":{"code":"...","message":"...","category":"..."},
//	 "fields":{...},"caller":"jobs/worker.go:212"}
//
// job_id and video_id come from the context (see errors.WithJobID).
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
)

type Level int8

const (
	LevelDebug = Level(zapcore.DebugLevel)
	LevelInfo  = Level(zapcore.InfoLevel)
	LevelWarn  = Level(zapcore.WarnLevel)
	LevelError = Level(zapcore.ErrorLevel)
)

func (l Level) String() string {
	return zapcore.Level(l).String()
}

// ParseLevel converts a level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil || lvl < zapcore.DebugLevel || lvl > zapcore.ErrorLevel {
		return LevelInfo
	}
	return Level(lvl)
}

type Logger struct {
	zl        *zap.Logger
	component string
}

var defaultLogger = New(os.Stdout, LevelInfo, "")

// New creates a logger writing JSON lines at or above level to output.
func New(output io.Writer, level Level, component string) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(output)),
		zapcore.Level(level),
	)

	zl := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.WithClock(utcClock{}),
	)
	return &Logger{zl: zl, component: component}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func (utcClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func SetDefault(l *Logger) {
	defaultLogger = l
}

func Default() *Logger {
	return defaultLogger
}

// WithComponent returns a logger sharing l's output under another component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl, component: component}
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// errorObject renders an error as {code, message, category}.
type errorObject struct{ err error }

func (e errorObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if appErr, ok := apperrors.As(e.err); ok {
		enc.AddString("code", appErr.Code)
		enc.AddString("category", string(appErr.Category))
	}
	enc.AddString("message", e.err.Error())
	return nil
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, msg string, fields []map[string]interface{}, err error) {
	ce := l.zl.Check(level, msg)
	if ce == nil {
		return
	}

	zfields := make([]zap.Field, 0, 5)
	if ctx != nil {
		if jobID := apperrors.GetJobID(ctx); jobID != "" {
			zfields = append(zfields, zap.String("job_id", jobID))
		}
		if videoID := apperrors.GetVideoID(ctx); videoID != "" {
			zfields = append(zfields, zap.String("video_id", videoID))
		}
	}
	if l.component != "" {
		zfields = append(zfields, zap.String("component", l.component))
	}
	if err != nil {
		zfields = append(zfields, zap.Object("error", errorObject{err}))
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		zfields = append(zfields, zap.Any("fields", fields[0]))
	}
	ce.Write(zfields...)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.DebugLevel, msg, fields, nil)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.InfoLevel, msg, fields, nil)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.WarnLevel, msg, fields, nil)
}

// WarnErr logs a warning with error details but no stack trace
func (l *Logger) WarnErr(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.WarnLevel, msg, fields, err)
}

// Error logs at error level with the error details and a stack trace.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields, err)
}
