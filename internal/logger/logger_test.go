package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jkkn/solutionshub-batch/internal/logger/config"
)

func TestNewZapLog(t *testing.T) {
	zl, err := NewZapLog(config.Config{})
	require.NoError(t, err)
	assert.True(t, zl.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, zl.Core().Enabled(zapcore.DebugLevel))

	zl, err = NewZapLog(config.Config{LogLevel: "debug"})
	require.NoError(t, err)
	assert.True(t, zl.Core().Enabled(zapcore.DebugLevel))

	_, err = NewZapLog(config.Config{LogLevel: "loud"})
	require.Error(t, err)
}

func TestRequestLogMdlw(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogMdlw(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":`))
		w.Write([]byte(`true}`))
	}, zap.New(core))

	r := httptest.NewRequest(http.MethodPost, "/api/batches/retry", strings.NewReader(`{"paymentIds":["p-1"]}`))
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	entries := logs.All()
	require.Len(t, entries, 2)

	request := entries[0].ContextMap()
	assert.Equal(t, `{"paymentIds":["p-1"]}`, request["body"])
	assert.NotContains(t, request, "authorization")

	response := entries[1].ContextMap()
	assert.EqualValues(t, http.StatusAccepted, response["code"])
	assert.Equal(t, `{"ok":true}`, response["body"])
	assert.EqualValues(t, 11, response["length"])
}
