// Package log provides structured logging for kvalidate using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with kvalidate-specific helpers.
type Logger struct {
	*zap.Logger
	onFinding func(kind, loaderName, detail string, addr uint64) // findings callback
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnFinding sets the callback invoked every time a validator finding is logged.
func (l *Logger) SetOnFinding(fn func(kind, loaderName, detail string, addr uint64)) {
	l.onFinding = fn
}

// Finding logs a validator finding (byte mismatch, unknown pointer, oracle
// miss, ...) and invokes the finding callback if set. cmd/kvalidate calls
// it for each finding drained from the report collector; the validators
// themselves do not log. It never returns an error because findings, per
// spec, are reported and iteration continues. extent is the number of
// mismatched/affected bytes, or 0 when the finding has no byte range
// (e.g. an unexplained pointer).
func (l *Logger) Finding(kind, loaderName, detail string, addr uint64, extent uint64) {
	if l.onFinding != nil {
		l.onFinding(kind, loaderName, detail, addr)
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("loader", loaderName),
		zap.String("detail", detail),
		Addr(addr),
	}
	if extent > 0 {
		fields = append(fields, Size(extent))
	}
	l.Warn("finding", fields...)
}

// WithLoader returns a logger with the loader field preset.
func (l *Logger) WithLoader(name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(zap.String("loader", name)),
		onFinding: l.onFinding,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
