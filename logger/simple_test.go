package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestSimpleLoggerFormatsSortedFields(t *testing.T) {
	buf := capture(t)
	l := NewSimpleLogger()

	l.Info("Task dispatched", map[string]interface{}{
		"task_id":  "t1",
		"attempt":  2,
		"provider": "echo-1",
	})

	line := buf.String()
	assert.Contains(t, line, "[INFO] Task dispatched")
	assert.Contains(t, line, "attempt=2 provider=echo-1 task_id=t1")
}

func TestSimpleLoggerLevelFilter(t *testing.T) {
	buf := capture(t)
	l := NewSimpleLogger()

	l.Debug("hidden at info", nil)
	assert.Empty(t, buf.String())

	l.SetLevel("DEBUG")
	l.Debug("now visible", nil)
	assert.Contains(t, buf.String(), "[DEBUG] now visible")

	buf.Reset()
	l.SetLevel("ERROR")
	l.Warn("suppressed", nil)
	assert.Empty(t, buf.String())
	l.Error("kept", nil)
	assert.Contains(t, buf.String(), "[ERROR] kept")
}

func TestSimpleLoggerWithFields(t *testing.T) {
	buf := capture(t)
	l := NewSimpleLogger().WithFields(map[string]interface{}{"workflow_id": "wf1"})

	l.Info("Workflow started", nil)
	assert.Contains(t, buf.String(), "workflow_id=wf1")

	// Per-call fields override attached ones.
	buf.Reset()
	l.Info("override", map[string]interface{}{"workflow_id": "wf2"})
	assert.Contains(t, buf.String(), "workflow_id=wf2")
}
