package utils

import (
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = newLogger(os.Stdout)

// newLogger builds the JSON logger every service log line goes through
func newLogger(out io.Writer) *log.Logger {
	l := log.New()
	l.SetFormatter(&log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        log.FieldMap{log.FieldKeyMsg: "message"},
	})
	l.SetOutput(out)
	l.SetLevel(log.InfoLevel)
	return l
}

// SetLevel changes the log level; unknown names fall back to info
func SetLevel(level string) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
}

// SetOutput redirects log output, e.g. to io.Discard in benchmarks
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Debug(message string, fields map[string]any) {
	logger.WithFields(fields).Debug(message)
}

// Info logs a message at info level with optional fields
func Info(message string, fields map[string]any) {
	logger.WithFields(fields).Info(message)
}

// Warn logs a message at warning level with optional fields
func Warn(message string, fields map[string]any) {
	logger.WithFields(fields).Warn(message)
}

// Error logs a message at error level with optional fields
func Error(message string, fields map[string]any) {
	logger.WithFields(fields).Error(message)
}
