package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/uiprobe/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// Fields the console encoder lifts out of the field list and into a
// "[scenario:step]" prefix.
const (
	scenarioKey = "scenario_id"
	stepKey     = "step"
)

const ansiReset = "\x1b[0m"

var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the global logger. The console core writes to
// consoleWriter; when cfg.LogFile is set a rotated JSON file core is added and
// fileFields are stamped on every file entry. Only the first call has any
// effect.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer, fileFields ...zap.Field) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, level)}
		if cfg.LogFile != "" {
			rotated := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			fileCore := zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), rotated, level)
			cores = append(cores, fileCore.With(fileFields))
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}
		logger := zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)
		globalLogger.Store(logger)

		// chromedp reports through the stdlib log package.
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger logs to stderr. Stdout carries reports.
func InitializeLogger(cfg config.LoggerConfig, fileFields ...zap.Field) {
	Initialize(cfg, zapcore.Lock(os.Stderr), fileFields...)
}

// ResetForTest clears the global logger so the next Initialize takes effect.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.NameKey = "component"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format != "console" {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = levelEncoder(cfg.Colors)
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return &scenarioEncoder{Encoder: zapcore.NewConsoleEncoder(ec)}
}

// levelEncoder writes the upper-case level wrapped in its configured color.
func levelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  ansiColors[colors.Debug],
		zapcore.InfoLevel:   ansiColors[colors.Info],
		zapcore.WarnLevel:   ansiColors[colors.Warn],
		zapcore.ErrorLevel:  ansiColors[colors.Error],
		zapcore.DPanicLevel: ansiColors[colors.DPanic],
		zapcore.PanicLevel:  ansiColors[colors.Panic],
		zapcore.FatalLevel:  ansiColors[colors.Fatal],
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := l.CapitalString()
		if c := byLevel[l]; c != "" {
			name = c + name + ansiReset
		}
		enc.AppendString(name)
	}
}

// scenarioEncoder prefixes console messages with the scenario and step they
// belong to, so interleaved output from parallel scenarios stays readable.
// The IDs may arrive as logger context or as entry fields.
type scenarioEncoder struct {
	zapcore.Encoder
	scenario string
	step     int64
	hasStep  bool
}

func (e *scenarioEncoder) AddString(key, val string) {
	if key == scenarioKey {
		e.scenario = val
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *scenarioEncoder) AddInt64(key string, val int64) {
	if key == stepKey {
		e.step, e.hasStep = val, true
		return
	}
	e.Encoder.AddInt64(key, val)
}

func (e *scenarioEncoder) Clone() zapcore.Encoder {
	c := *e
	c.Encoder = e.Encoder.Clone()
	return &c
}

func (e *scenarioEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	scenario, step, hasStep := e.scenario, e.step, e.hasStep
	kept := fields[:0:0]
	for _, f := range fields {
		switch {
		case f.Key == scenarioKey && f.Type == zapcore.StringType:
			scenario = f.String
		case f.Key == stepKey && f.Type == zapcore.Int64Type:
			step, hasStep = f.Integer, true
		default:
			kept = append(kept, f)
		}
	}
	if prefix := linePrefix(scenario, step, hasStep); prefix != "" {
		ent.Message = prefix + " " + ent.Message
	}
	return e.Encoder.EncodeEntry(ent, kept)
}

func linePrefix(scenario string, step int64, hasStep bool) string {
	switch {
	case scenario != "" && hasStep:
		return fmt.Sprintf("[%s:%d]", scenario, step)
	case scenario != "":
		return "[" + scenario + "]"
	case hasStep:
		return fmt.Sprintf("[:%d]", step)
	}
	return ""
}

// GetLogger returns the global logger, or a no-op logger before Initialize.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

// Sync flushes buffered entries. Terminals and pipes that cannot be synced
// are not reported.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !unsyncable(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

func unsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) ||
		strings.Contains(err.Error(), "operation not supported")
}
