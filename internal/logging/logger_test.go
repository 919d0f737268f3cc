package logging

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerIsPerComponentSingleton(t *testing.T) {
	a := NewLogger("registry")
	b := NewLogger("registry")
	c := NewLogger("committer")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "registry", a.Data["component"])
}

func TestConfigureAffectsExistingLoggers(t *testing.T) {
	t.Setenv("STRAND_LOG_LEVEL", "")
	log := NewLogger("configure-test")

	var buf bytes.Buffer
	Configure(Config{Level: "warn"}, &buf)
	t.Cleanup(func() { Configure(Config{}, os.Stderr) })

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "[configure-test]")
}

func TestConfigureJSON(t *testing.T) {
	t.Setenv("STRAND_LOG_LEVEL", "")
	var buf bytes.Buffer
	Configure(Config{Format: "json"}, &buf)
	t.Cleanup(func() { Configure(Config{}, os.Stderr) })

	NewLogger("json-test").WithField("stream", "20ab").Info("loaded")
	assert.Contains(t, buf.String(), `"stream":"20ab"`)
	assert.Contains(t, buf.String(), `"component":"json-test"`)
}

func TestEnvLevelOverridesConfig(t *testing.T) {
	t.Setenv("STRAND_LOG_LEVEL", "debug")
	var buf bytes.Buffer
	Configure(Config{Level: "error"}, &buf)
	t.Cleanup(func() { Configure(Config{}, os.Stderr) })

	NewLogger("env-test").Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "retrying",
		Data:    logrus.Fields{"component": "committer", "b": 2, "a": 1},
	}

	out, err := (&TextFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02 03:04:05.000 [WARN] [committer] retrying a=1 b=2\n", string(out))

	out, err = (&TextFormatter{DisableTimestamp: true, Color: true}).Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), colorYellow+"[WARN]"+colorReset)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard().Error("dropped") })
	assert.NotNil(t, OrDiscard(nil))
	l := NewLogger("x")
	assert.Same(t, l, OrDiscard(l))
}
