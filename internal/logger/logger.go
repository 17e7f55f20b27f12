// Package logger provides the engine's leveled debug log. Logging is opt-in:
// nothing is written unless debug mode is enabled with a log path, so the
// hot transfer paths can log freely.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

type level string

const (
	levelDebug level = "DEBUG"
	levelInfo  level = "INFO"
	levelWarn  level = "WARNING"
	levelError level = "ERROR"
)

var (
	sink *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging opens the log file and enables the leveled helpers. With
// debugMode off or an empty path the helpers stay no-ops.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	if !DebugEnabled || logPath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	sink = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)

	return nil
}

// SetOutput redirects the log to w, enabling it if needed. Used by tests.
func SetOutput(w io.Writer) {
	DebugEnabled = true
	sink = log.New(w, "", 0)
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
	}
}

func logf(lv level, format string, v ...interface{}) {
	if !DebugEnabled || sink == nil {
		return
	}

	sink.Output(3, fmt.Sprintf("["+string(lv)+"] "+format, v...))
}

func Debugf(format string, v ...interface{}) { logf(levelDebug, format, v...) }

func Infof(format string, v ...interface{}) { logf(levelInfo, format, v...) }

func Warnf(format string, v ...interface{}) { logf(levelWarn, format, v...) }

func Errorf(format string, v ...interface{}) { logf(levelError, format, v...) }
