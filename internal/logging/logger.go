// Package logging builds the production zap.Logger shared by both CLI
// binaries, optionally rotating to a file through lumberjack rather than
// writing straight to the filesystem.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a zap.Logger at the given level, writing to stderr, or to
// logFile (rotated via lumberjack) when logFile is non-empty.
func New(level, logFile string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var ws zapcore.WriteSyncer
	if logFile != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, ws, zapLevel)
	return zap.New(core, zap.AddCaller()), nil
}
