package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Logger writing text into returned buffer
func newBuffered(t *testing.T, env string, level string) (Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	l, err := NewWriter(&buf, env, level)
	require.NoError(t, err)
	return l, &buf
}

func decodeJSON(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "production logs should be JSON: %s", buf.String())
	return entry
}

func TestParseLevel(t *testing.T) {
	t.Run("known", func(t *testing.T) {
		tests := map[string]slog.Level{
			"debug": slog.LevelDebug,
			"DEBUG": slog.LevelDebug,
			"info":  slog.LevelInfo,
			"Info":  slog.LevelInfo,
			"warn":  slog.LevelWarn,
			"error": slog.LevelError,
			"ERROR": slog.LevelError,
		}

		for input, expected := range tests {
			t.Run(input, func(t *testing.T) {
				got, err := parseLevel(input)

				require.NoError(t, err)
				require.Equal(t, expected, got)
			})
		}
	})

	t.Run("unknown", func(t *testing.T) {
		for _, input := range []string{"", "verbose", "warning", "trace"} {
			t.Run(input, func(t *testing.T) {
				_, err := parseLevel(input)

				require.ErrorContains(t, err, "unknown log level")
				require.ErrorContains(t, err, "debug, info, warn, error", "error has to list allowed levels")
				require.Error(t, CheckLevel(input))
			})
		}
	})
}

func TestNewWriter(t *testing.T) {
	t.Run("json in production", func(t *testing.T) {
		l, buf := newBuffered(t, EnvProduction, LevelInfo)

		l.Info("session issued", "user_id", "42", "active", 2)

		entry := decodeJSON(t, buf)
		require.Equal(t, "session issued", entry["msg"])
		require.Equal(t, "INFO", entry["level"])
		require.Equal(t, "42", entry["user_id"])
		require.EqualValues(t, 2, entry["active"])

		source, ok := entry["source"].(map[string]any)
		require.True(t, ok, "source should be logged")
		require.Equal(t, "logger_test.go", source["file"], "source should point to the caller file without directory")
	})

	t.Run("text otherwise", func(t *testing.T) {
		l, buf := newBuffered(t, "development", LevelInfo)

		l.Warn("reuse detected", "ip", "10.0.0.1")

		out := buf.String()
		require.Contains(t, out, `msg="reuse detected"`)
		require.Contains(t, out, "level=WARN")
		require.Contains(t, out, "ip=10.0.0.1")
		require.Contains(t, out, "source=logger_test.go:")
	})

	t.Run("unknown level", func(t *testing.T) {
		l, err := NewWriter(io.Discard, EnvProduction, "verbose")

		require.Error(t, err)
		require.Nil(t, l)
	})

	t.Run("New unknown level", func(t *testing.T) {
		_, err := New("development", "loud")

		require.ErrorContains(t, err, `unknown log level "loud"`)
	})
}

func TestLogger_Levels(t *testing.T) {
	log := map[string]func(Logger){
		LevelDebug: func(l Logger) { l.Debug("m") },
		LevelInfo:  func(l Logger) { l.Info("m") },
		LevelWarn:  func(l Logger) { l.Warn("m") },
		LevelError: func(l Logger) { l.Error("m") },
	}
	order := []string{LevelDebug, LevelInfo, LevelWarn, LevelError}

	for i, threshold := range order {
		for j, msgLevel := range order {
			name := threshold + " logger " + msgLevel + " message"
			t.Run(name, func(t *testing.T) {
				l, buf := newBuffered(t, "development", threshold)

				log[msgLevel](l)

				require.Equal(t, j >= i, buf.Len() > 0)
			})
		}
	}
}

func TestLogger_With(t *testing.T) {
	t.Run("attrs", func(t *testing.T) {
		l, buf := newBuffered(t, EnvProduction, LevelInfo)

		l.With("component", "sweeper").Info("purged", "count", 3)

		entry := decodeJSON(t, buf)
		require.Equal(t, "sweeper", entry["component"])
		require.EqualValues(t, 3, entry["count"])
	})

	t.Run("group", func(t *testing.T) {
		l, buf := newBuffered(t, EnvProduction, LevelInfo)

		l.WithGroup("token").Info("rotated", "id", "abc")

		entry := decodeJSON(t, buf)
		group, ok := entry["token"].(map[string]any)
		require.True(t, ok, "attrs should be grouped")
		require.Equal(t, "abc", group["id"])
	})
}

func TestNewNoOpLogger(t *testing.T) {
	// Nothing may reach stderr
	origErr := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	t.Cleanup(func() { os.Stderr = origErr })

	l := NewNoOpLogger()
	l.Error("dropped")
	l.With("k", "v").Warn("dropped")

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Empty(t, strings.TrimSpace(string(out)))
}
