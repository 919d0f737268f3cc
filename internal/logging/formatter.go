package logging

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	colorReset  = "\x1b[0m"
	colorGray   = "\x1b[90m"
	colorCyan   = "\x1b[36m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
)

// TextFormatter renders "time [LEVEL] [component] message k=v ...", with
// fields sorted by key.
type TextFormatter struct {
	DisableTimestamp bool
	Color            bool
}

func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	if !f.DisableTimestamp {
		b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
		b.WriteString(" ")
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	b.WriteString(f.paint(levelColor(entry.Level), "["+strings.ToUpper(level)+"]"))

	if component, ok := entry.Data["component"]; ok {
		b.WriteString(" ")
		b.WriteString(f.paint(colorCyan, fmt.Sprintf("[%v]", component)))
	}

	if entry.HasCaller() {
		fmt.Fprintf(&b, " [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	b.WriteString(" ")
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", f.paint(colorGray, k), entry.Data[k])
	}

	b.WriteString("\n")
	return []byte(b.String()), nil
}

func (f *TextFormatter) paint(color, s string) string {
	if !f.Color {
		return s
	}
	return color + s + colorReset
}

func levelColor(l logrus.Level) string {
	switch l {
	case logrus.WarnLevel:
		return colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorRed
	default:
		return colorGray
	}
}
