package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixAndMessage(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("info")
	SetPrefix("test")
	defer SetPrefix("")

	Infof("room %s created", "r1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "test", entry["svc"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "room r1 created", entry["message"])
}

func TestLogDurationRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("info")

	LogDuration("fast", time.Now())
	assert.Empty(t, buf.String())

	LogDuration("slow", time.Now().Add(-time.Second))
	assert.True(t, strings.Contains(buf.String(), `"fn":"slow"`))

	buf.Reset()
	SetLevel("debug")
	defer SetLevel("info")
	DeferLogDuration("fast", time.Now())()
	assert.True(t, strings.Contains(buf.String(), `"fn":"fast"`))
}

func TestErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("error")
	defer SetLevel("info")

	Infof("hidden")
	Errorf("boom: %d", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "boom: 1")
}
