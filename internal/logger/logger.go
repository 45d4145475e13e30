package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Entry
}

// Options controls level, format and destination of the run logger.
type Options struct {
	Level  string
	Format string // "text" or "json"; empty picks from ENVIRONMENT
	Output io.Writer
}

func New(opts Options) *Logger {
	base := logrus.New()

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		// Local env = pretty console; others = JSON
		env := os.Getenv("ENVIRONMENT")
		if env == "" || env == "local" {
			format = "text"
		} else {
			format = "json"
		}
	}
	if format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	base.SetLevel(ParseLevel(level))

	return &Logger{Entry: logrus.NewEntry(base)}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(Options{Level: "error", Format: "text", Output: io.Discard})
}

// ParseLevel maps config level names onto logrus levels, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithRun attaches per-invocation metadata and returns an entry
func (l *Logger) WithRun(shortName, wavPath string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"run_id": uuid.New().String(),
		"system": shortName,
		"call":   wavPath,
	})
}

// WithComponent tags log lines with the emitting component.
func (l *Logger) WithComponent(name string) *logrus.Entry {
	return l.Entry.WithField("component", name)
}

// WithError standardizes error logging
func (l *Logger) WithError(err error) *logrus.Entry {
	if err == nil {
		return l.Entry
	}
	return l.Entry.WithField("error", err.Error())
}
