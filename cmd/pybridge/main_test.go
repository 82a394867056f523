package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/errors"
)

func TestPrintLayouts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printLayouts(&buf, "3.12", abi.PlatformUnknown))
	out := buf.String()
	assert.Contains(t, out, "416 bytes")
	assert.Contains(t, out, "tp_watched")
	assert.Contains(t, out, "ob_refcnt")

	buf.Reset()
	require.NoError(t, printLayouts(&buf, "3.9.18", abi.PlatformLP64))
	assert.Contains(t, buf.String(), "408 bytes")
	assert.NotContains(t, buf.String(), "tp_watched")
	assert.NotContains(t, buf.String(), "tp_print")

	buf.Reset()
	require.NoError(t, printLayouts(&buf, "3.8", abi.PlatformLP64))
	assert.Contains(t, buf.String(), "tp_print")
	assert.Contains(t, buf.String(), "416 bytes")
}

func TestPrintLayoutsRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	err := printLayouts(&buf, "2.7", abi.PlatformLP64)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Empty(t, buf.String())
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, runDemo(ctx, &buf, config.Default(), 3))
	out := buf.String()
	assert.Contains(t, out, "slept_ms")
	assert.Contains(t, out, "3 awaits")
	assert.Contains(t, out, "0 pending")
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, int64(7), parseValue("7"))
	assert.Equal(t, 2.5, parseValue("2.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "hello", parseValue("hello"))
	assert.Equal(t, "", parseValue(""))
}

func TestRunWithoutModeReturnsUsage(t *testing.T) {
	var buf bytes.Buffer
	err := run(&buf, "", "", 0, false, false)
	assert.ErrorIs(t, err, errUsage)
	assert.Empty(t, buf.String())
}

func TestRunSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, "", "", 0, true, false))
	assert.Contains(t, buf.String(), "\"properties\"")
}
