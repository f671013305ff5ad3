package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects output into a buffer until the returned func is called.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.Lock()
	prevOut, prevColor := output, useColor
	output, useColor = buf, false
	mu.Unlock()
	prevLevel := GetLevel()
	prevFormat, _ := format.Load().(string)
	reconfigure()

	t.Cleanup(func() {
		mu.Lock()
		output, useColor = prevOut, prevColor
		mu.Unlock()
		level.Store(int32(prevLevel))
		format.Store(prevFormat)
		reconfigure()
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"DEBUG", []string{"d-msg", "i-msg", "w-msg", "e-msg"}, nil},
		{"INFO", []string{"i-msg", "w-msg", "e-msg"}, []string{"d-msg"}},
		{"WARN", []string{"w-msg", "e-msg"}, []string{"d-msg", "i-msg"}},
		{"ERROR", []string{"e-msg"}, []string{"d-msg", "i-msg", "w-msg"}},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			buf := capture(t)
			SetLevel(tc.level)

			Debug("d-msg")
			Info("i-msg")
			Warn("w-msg")
			Error("e-msg")

			out := buf.String()
			for _, s := range tc.visible {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.hidden {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		buf := capture(t)
		SetLevel("dEbUg")
		Debug("visible")
		assert.Contains(t, buf.String(), "visible")
		assert.Equal(t, LevelDebug, GetLevel())
	})

	t.Run("InvalidIgnored", func(t *testing.T) {
		buf := capture(t)
		SetLevel("WARN")
		SetLevel("LOUD")
		Info("hidden")
		Warn("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestTextFormat(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")

	Info("block flushed", KeyOffset, int64(4096), KeyPath, "/data/a b", KeyBytes, 8192)

	out := buf.String()
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[INFO\] block flushed`, out)
	assert.Contains(t, out, "offset=4096")
	assert.Contains(t, out, `path="/data/a b"`)
	assert.Contains(t, out, "bytes=8192")
	assert.NotContains(t, out, "\033[")
}

func TestTextFormatGroupsAndAttrs(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")

	With(KeyBackend, "s3").WithGroup("block").Info("queued", "base", 0)

	out := buf.String()
	assert.Contains(t, out, "backend=s3")
	assert.Contains(t, out, "block.base=0")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")
	SetFormat("json")

	Error("flush failed", Err(errors.New("boom")), Offset(128))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "flush failed", rec["msg"])
	assert.Equal(t, "boom", rec[KeyError])
	assert.EqualValues(t, 128, rec[KeyOffset])
}

func TestContextFields(t *testing.T) {
	buf := capture(t)
	SetLevel("DEBUG")

	ctx := WithOperation(context.Background(), "fsync", "/f")
	DebugCtx(ctx, "waiting", KeyOutstanding, 10)
	InfoCtx(context.Background(), "plain")

	out := buf.String()
	assert.Contains(t, out, "operation=fsync")
	assert.Contains(t, out, "path=/f")
	assert.Contains(t, out, "outstanding=10")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[1], "operation=")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestConcurrentLogging(t *testing.T) {
	t.Run("LinesAreNotInterleaved", func(t *testing.T) {
		buf := capture(t)
		SetLevel("INFO")

		const workers, per = 8, 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < per; j++ {
					Info("tick", "worker", id, "n", j)
				}
			}(i)
		}
		wg.Wait()

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, workers*per)
	})

	t.Run("LevelChangesWhileLogging", func(t *testing.T) {
		InitWithWriter(io.Discard, "DEBUG", "text", false)
		t.Cleanup(func() { InitWithWriter(io.Discard, "INFO", "text", false) })

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					if j%2 == 0 {
						SetLevel("DEBUG")
					} else {
						SetLevel("ERROR")
					}
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					Debug("d")
					Warn("w")
				}
			}()
		}
		require.NotPanics(t, wg.Wait)
	})
}
