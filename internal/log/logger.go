// Package log provides structured logging for vtmon using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with vtmon-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(addr uint64, category, name, detail string) // event callback for UI/TUI consumers
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

// SetOnEvent sets the event callback used to mirror log events into a UI.
func (l *Logger) SetOnEvent(fn func(addr uint64, category, name, detail string)) {
	l.onEvent = fn
}

// Event logs a structured engine event and calls the event callback if set.
// This is the primary method the hooker/dispatcher use to report activity.
func (l *Logger) Event(addr uint64, category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(addr, category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("what", name),
		zap.String("detail", detail),
		zap.Uint64("addr", addr),
	)
}

// HookInstalled logs when a slot's trampoline has been wired and enabled.
func (l *Logger) HookInstalled(slot int, target uint64) {
	l.Info("hook installed",
		zap.Int("slot", slot),
		Addr(target),
	)
}

// HookEnableFailed logs a mid-hook enable failure for one slot. The record
// is retained but left disabled; other slots stay functional.
func (l *Logger) HookEnableFailed(slot int, code int32) {
	l.Error("hook enable failed",
		zap.Int("slot", slot),
		zap.Int32("code", code),
	)
}

// FirstCall logs the first observed invocation of a hooked slot.
func (l *Logger) FirstCall(slot int, target uint64) {
	l.Info("first call",
		zap.Int("slot", slot),
		Addr(target),
	)
}

// PatchApplied logs a prologue byte patch (insert-return or restore).
func (l *Logger) PatchApplied(slot int, target uint64, kind string) {
	l.Info(kind,
		zap.Int("slot", slot),
		Addr(target),
	)
}

// ProtectionFailed logs a VirtualProtect-class failure. The operation is
// abandoned for this call; state is left unchanged.
func (l *Logger) ProtectionFailed(target uint64, op string, err error) {
	l.Error("protection change failed",
		Addr(target),
		zap.String("op", op),
		zap.Error(err),
	)
}

// UnwindTruncated logs that the stack walk stopped early for lack of a
// function-table entry. Logged once per slot (on the first call only).
func (l *Logger) UnwindTruncated(slot int, ip uint64) {
	l.Warn("unwind truncated: no function entry",
		zap.Int("slot", slot),
		Addr(ip),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
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

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Slot creates a slot-index field.
func Slot(idx int) zap.Field {
	return zap.Int("slot", idx)
}
