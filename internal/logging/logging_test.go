package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-ra/config"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		"debug":      {in: "debug", want: slog.LevelDebug},
		"upper case": {in: "WARN", want: slog.LevelWarn},
		"error":      {in: "error", want: slog.LevelError},
		"unknown":    {in: "loud", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			level, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.ErrorIs(err, status.ErrInvalidParameter)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, level)
		})
	}
}

func TestNewHandlerFormats(t *testing.T) {
	testCases := map[string]struct {
		format  string
		want    string
		wantErr bool
	}{
		"text":    {format: "text", want: `level=INFO msg=hello session=abc`},
		"json":    {format: "json", want: `"msg":"hello","session":"abc"`},
		"pretty":  {format: "pretty", want: "INFO  hello session=abc"},
		"default": {format: "", want: "msg=hello"},
		"unknown": {format: "xml", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			var buf bytes.Buffer
			h, err := NewHandler(&buf, tc.format, slog.LevelInfo)
			if tc.wantErr {
				assert.ErrorIs(err, status.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)

			log := slog.New(h)
			log.Info("hello", "session", "abc")
			log.Debug("hidden")
			assert.Contains(buf.String(), tc.want)
			assert.NotContains(buf.String(), "hidden")
		})
	}
}

func TestPrettyHandler(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer

	log := slog.New(newPrettyHandler(&buf, slog.LevelDebug)).With("role", "initiator").WithGroup("msg")
	log.Debug("state transition", "from", "inited", "gid", []byte{0xde, 0xad}, "err", errors.New("mac mismatch"))

	line := buf.String()
	assert.Contains(line, "DEBUG state transition role=initiator")
	assert.Contains(line, "msg.from=inited")
	assert.Contains(line, "msg.gid=dead")
	assert.Contains(line, `msg.err="mac mismatch"`)
	assert.Equal(1, bytes.Count(buf.Bytes(), []byte("\n")))

	r := slog.NewRecord(time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC), slog.LevelInfo, "tick", 0)
	r.AddAttrs(slog.Group("peer", slog.Int("isv_svn", 3)))
	buf.Reset()
	require.NoError(t, newPrettyHandler(&buf, slog.LevelInfo).Handle(context.Background(), r))
	assert.Equal("12:30:00.000 INFO  tick peer.isv_svn=3\n", buf.String())
}

func TestNewWithFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "sgx-ra.log")
	log, closer, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(err)
	log.Info("written to file")
	require.NoError(closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(err)
	assert.Contains(string(data), "written to file")

	_, _, err = New(config.LogConfig{Level: "chatty"})
	assert.ErrorIs(err, status.ErrInvalidParameter)
}
