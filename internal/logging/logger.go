// Package logging hands out per-component logrus loggers that share one
// configurable base logger.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Config is the logging section of the strand configuration.
type Config struct {
	Level        string `yaml:"level" json:"level,omitempty" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error"`
	Format       string `yaml:"format" json:"format,omitempty" jsonschema:"enum=text,enum=json"`
	ReportCaller bool   `yaml:"report_caller" json:"report_caller,omitempty"`
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	base      = newBase()
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	apply(l, Config{}, os.Stderr)
	return l
}

// NewLogger returns the logger for component, creating it on first use.
// Every component logger writes through the shared base, so Configure
// affects loggers handed out before it was called.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	logger := base.WithField("component", component)
	loggers[component] = logger
	return logger
}

// Configure applies cfg to the shared base logger and redirects its output.
// A nil out keeps the current writer.
func Configure(cfg Config, out io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if out != nil {
		base.SetOutput(out)
	}
	apply(base, cfg, base.Out)
}

func apply(l *logrus.Logger, cfg Config, out io.Writer) {
	levelStr := "info"
	if env := os.Getenv("STRAND_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(cfg.ReportCaller || os.Getenv("STRAND_LOG_CALLER") == "true")

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&TextFormatter{Color: isTerminal(out)})
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Discard returns a logger that drops everything. Tests pass it to
// components that require one.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *logrus.Entry) *logrus.Entry {
	if l == nil {
		return Discard()
	}
	return l
}
