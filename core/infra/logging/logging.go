package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogLevel  = "LOG_LEVEL"
	envLogFormat = "LOG_FORMAT"
)

var (
	mu   sync.RWMutex
	base = New(os.Getenv(envLogLevel), os.Getenv(envLogFormat))
)

// New builds a zap logger writing to stderr. Format "json" selects the JSON
// encoder; anything else uses the console encoder.
func New(level, format string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if raw := strings.TrimSpace(level); raw != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl))
}

// SetLogger replaces the process logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

// Debug logs a debug message with key/value fields.
func Debug(component, msg string, kv ...interface{}) {
	sugar(component).Debugw(msg, normalize(kv)...)
}

// Info logs a message with key/value fields tagged with the component name.
func Info(component, msg string, kv ...interface{}) {
	sugar(component).Infow(msg, normalize(kv)...)
}

// Warn logs a recoverable problem.
func Warn(component, msg string, kv ...interface{}) {
	sugar(component).Warnw(msg, normalize(kv)...)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...interface{}) {
	sugar(component).Errorw(msg, normalize(kv)...)
}

func sugar(component string) *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.Sugar().With("component", strings.ToLower(strings.TrimSpace(component)))
}

func normalize(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return nil
	}
	out := make([]interface{}, 0, len(kv)+1)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		if i+1 >= len(kv) {
			out = append(out, strings.TrimSpace(key), "(missing)")
			break
		}
		out = append(out, strings.TrimSpace(key), kv[i+1])
	}
	return out
}
