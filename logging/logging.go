// Package logging provides leveled, component-scoped logging for streamrpc.
//
// Loggers are thin wrappers over zap cores. Fields are passed as maps so call
// sites stay free of zap types; the console format prints
// "LEVEL TIMESTAMP component message {fields}".
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel accepts level names in any case.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the encoder.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures a logger built with NewWithConfig.
type Config struct {
	Level  string
	Format string
	// OutputPath is "stdout", "stderr" or a file path. Files are rotated.
	OutputPath string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Logger writes structured entries through a zap core.
type Logger struct {
	mu        sync.Mutex
	sink      zapcore.WriteSyncer
	format    Format
	level     zap.AtomicLevel
	component string
	sessionID string
	nop       bool
	zl        *zap.Logger
}

// New creates a console logger writing to stdout at INFO.
func New() *Logger {
	l := &Logger{
		sink:   zapcore.AddSync(os.Stdout),
		format: FormatConsole,
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := &Logger{
		sink:   zapcore.AddSync(io.Discard),
		format: FormatConsole,
		level:  zap.NewAtomicLevelAt(zapcore.ErrorLevel),
		nop:    true,
	}
	l.zl = zap.NewNop()
	return l
}

// NewWithConfig builds a logger from configuration. File outputs are
// rotated by lumberjack.
func NewWithConfig(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	format := Format(strings.ToLower(cfg.Format))
	switch format {
	case "":
		format = FormatConsole
	case FormatConsole, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		w := &lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if w.MaxSize == 0 {
			w.MaxSize = 100
		}
		if w.MaxBackups == 0 {
			w.MaxBackups = 3
		}
		if w.MaxAge == 0 {
			w.MaxAge = 30
		}
		sink = zapcore.AddSync(w)
	}

	l := &Logger{
		sink:   sink,
		format: format,
		level:  zap.NewAtomicLevelAt(level.zapLevel()),
	}
	l.rebuild()
	return l, nil
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(func(c *Logger) { c.component = component })
}

// WithSession returns a new logger that tags entries with a session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.derive(func(c *Logger) { c.sessionID = sessionID })
}

func (l *Logger) derive(apply func(*Logger)) *Logger {
	l.mu.Lock()
	c := &Logger{
		sink:      l.sink,
		format:    l.format,
		level:     zap.NewAtomicLevelAt(l.level.Level()),
		component: l.component,
		sessionID: l.sessionID,
		nop:       l.nop,
	}
	l.mu.Unlock()

	apply(c)
	if c.nop {
		c.zl = zap.NewNop()
		return c
	}
	c.rebuild()
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.sink = zapcore.AddSync(w)
	l.mu.Unlock()
	l.rebuild()
}

// SetFormat switches between console and JSON encoding.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	l.format = f
	l.mu.Unlock()
	l.rebuild()
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.logger().Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.logger().Debug(msg, zapFields(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.logger().Info(msg, zapFields(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.logger().Warn(msg, zapFields(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.logger().Error(msg, zapFields(fields)...)
}

func (l *Logger) logger() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zl
}

func (l *Logger) rebuild() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nop {
		return
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if l.format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	zl := zap.New(zapcore.NewCore(enc, l.sink, l.level))
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	if l.sessionID != "" {
		zl = zl.With(zap.String("session", l.sessionID))
	}
	l.zl = zl
}

// zapFields flattens the optional field map in key order.
func zapFields(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := m[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
