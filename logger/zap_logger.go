package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

// ZapConfig is the "config" block of a logger of type "default".
type ZapConfig struct {
	Format string            `yaml:"format" json:"format"`
	Output string            `yaml:"output" json:"output"`
	File   string            `yaml:"file" json:"file"`
	Fields map[string]string `yaml:"fields" json:"fields"`
}

type ZapLogger struct {
	logger *zap.Logger
}

func NewDefaultLogger(config *types.LoggerConfig) (types.Logger, error) {
	zapConfig := &ZapConfig{
		Format: "console",
		Output: "stdout",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, zapConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	core, err := newCore(zapConfig, parseLevel(config.Level))
	if err != nil {
		return nil, err
	}

	base := zap.New(core, zap.AddCaller())
	for key, value := range zapConfig.Fields {
		base = base.With(zap.String(key, value))
	}

	l := NewZapLogger(base)
	l.Debug("Logger initialized",
		zap.String("level", config.Level),
		zap.String("format", zapConfig.Format),
		zap.String("output", zapConfig.Output))

	return l, nil
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

// NewNop returns a logger that discards everything.
func NewNop() types.Logger {
	return &ZapLogger{logger: zap.NewNop()}
}

// OrNop lets components accept an optional logger.
func OrNop(logger types.Logger) types.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}

func (z *ZapLogger) Error(msg string, fields ...zap.Field) {
	z.logger.Error(msg, fields...)
}

func (z *ZapLogger) Warn(msg string, fields ...zap.Field) {
	z.logger.Warn(msg, fields...)
}

func (z *ZapLogger) Info(msg string, fields ...zap.Field) {
	z.logger.Info(msg, fields...)
}

func (z *ZapLogger) Debug(msg string, fields ...zap.Field) {
	z.logger.Debug(msg, fields...)
}

func (z *ZapLogger) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.logger.Log(lvl, msg, fields...)
}

func (z *ZapLogger) With(fields ...zap.Field) types.Logger {
	return &ZapLogger{logger: z.logger.With(fields...)}
}

func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

// ErrorWithErrStack logs the root cause of err and, when err carries a
// pkg/errors stack, attaches it as the "stack" field.
func (z *ZapLogger) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.logger.Error(msg, fields...)
		return
	}

	all := append(make([]zap.Field, 0, len(fields)+3), zap.Error(err))
	if cause := errors.Cause(err); cause != err {
		all = append(all, zap.String("cause", cause.Error()))
	}
	all = append(all, fields...)

	if stack := stackOf(err); stack != "" {
		all = append(all, zap.String("stack", stack))
	}

	z.logger.Error(msg, all...)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf returns the deepest pkg/errors stack found along the Cause chain.
func stackOf(err error) string {
	var stack string
	for err != nil {
		if st, ok := err.(stackTracer); ok {
			stack = fmt.Sprintf("%+v", st.StackTrace())
		}

		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return stack
}

func newCore(config *ZapConfig, level zapcore.Level) (zapcore.Core, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sink, err := openSink(config)
	if err != nil {
		return nil, err
	}

	return zapcore.NewCore(encoder, sink, level), nil
}

func openSink(config *ZapConfig) (zapcore.WriteSyncer, error) {
	switch config.Output {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "file":
		if config.File == "" {
			return nil, types.ErrLogFileIsEmpty
		}
		if err := ensureLogDir(config.File); err != nil {
			return nil, err
		}

		sink, _, err := zap.Open(config.File)
		if err != nil {
			return nil, types.WrapError(err, "failed to open log file")
		}
		return sink, nil
	default:
		return nil, types.Errorf(types.ErrLoggerConfigInvalid, "unknown output %q", config.Output)
	}
}

func parseLevel(level string) zapcore.Level {
	parsed, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

func ensureLogDir(logFile string) error {
	dir := filepath.Dir(logFile)
	if dir == "." && !strings.ContainsRune(logFile, filepath.Separator) {
		return types.ErrLogFileWrongFormat
	}

	return types.WrapError(os.MkdirAll(dir, 0755), "access denied to log directory")
}
