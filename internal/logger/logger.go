package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapLogger *zap.Logger

// Log is the process logger; it discards everything until InitLogger runs.
var Log = zap.NewNop().Sugar()

// InitLogger builds the JSON stdout logger. An empty level falls back to LOG_LEVEL.
func InitLogger(level string) (*zap.SugaredLogger, error) {
	if zapLogger != nil {
		Log = zapLogger.Sugar()
		return Log, nil
	}

	lvl := ParseLevel(level)
	if level == "" {
		lvl = GetZapLevelFromEnv()
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	zapLogger = zap.New(core, zap.AddCaller())
	Log = zapLogger.Sugar()
	return Log, nil
}

func GetZapLevelFromEnv() zapcore.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SyncLogger flushes buffered entries
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
