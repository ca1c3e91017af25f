package logger

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger configures the process-wide logger. Besides the console sink it
// writes a rotated copy under logDir; build output can run for hours, so the
// file sink keeps a few days of history.
func SetupLogger(logLevel string, logJSON bool, logDir string) error {
	level := LogLevel(logLevel)
	switch level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
	default:
		level = InfoLevel
	}

	output := io.Writer(os.Stderr)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		fileSink := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "buildsmith.log"),
			MaxSize:    50, // MB
			MaxAge:     14, // days
			MaxBackups: 14,
			Compress:   false,
		}
		output = io.MultiWriter(os.Stderr, fileSink)
	}

	Init(&Config{
		Level:      level,
		Output:     output,
		JSON:       logJSON,
		TimeFormat: "15:04:05",
	})
	return nil
}
