package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/researchflow/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestApplyLogLevel(t *testing.T) {
	logger, level := initLogger(config.LogConfig{Level: "info", Format: "json", OutputPaths: []string{"stderr"}})
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	applyLogLevel(level, "debug", logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	applyLogLevel(level, "debug", zap.NewNop())
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestRunHealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"--addr", srv.URL}, &out))
	assert.Equal(t, "OK\n", out.String())

	unhealthy.Store(true)
	err := runHealthCheck([]string{"--addr", srv.URL}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	printVersion(&out)
	assert.Contains(t, out.String(), "ResearchFlow "+Version)
	assert.Contains(t, out.String(), "Git Commit: "+GitCommit)
}
