package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/auth/config"
)

const testSecret = "s3cr3t-value"

func newRequest(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/cron/process-batches", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestAuthenticateProduction(t *testing.T) {
	a := NewAuth(config.Config{CronSecret: testSecret, Production: true}, zap.NewNop())

	operatorToken, err := NewOperatorToken(testSecret, "ops-7", time.Minute)
	require.NoError(t, err)
	foreignToken, err := NewOperatorToken("other-secret", "ops-7", time.Minute)
	require.NoError(t, err)
	expiredToken, err := NewOperatorToken(testSecret, "ops-7", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
		wantErr bool
	}{
		{name: "bearer secret", headers: map[string]string{"Authorization": "Bearer " + testSecret}, want: TriggeredByCron},
		{name: "cron header", headers: map[string]string{"X-Cron-Secret": testSecret}, want: TriggeredByManual},
		{name: "operator token", headers: map[string]string{"Authorization": "Bearer " + operatorToken}, want: "operator:ops-7"},
		{name: "missing", headers: nil, wantErr: true},
		{name: "wrong bearer", headers: map[string]string{"Authorization": "Bearer nope"}, wantErr: true},
		{name: "wrong header", headers: map[string]string{"X-Cron-Secret": testSecret + "x"}, wantErr: true},
		{name: "no bearer prefix", headers: map[string]string{"Authorization": testSecret}, wantErr: true},
		{name: "foreign token", headers: map[string]string{"Authorization": "Bearer " + foreignToken}, wantErr: true},
		{name: "expired token", headers: map[string]string{"Authorization": "Bearer " + expiredToken}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(newRequest(tt.headers))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticateProductionWithoutSecret(t *testing.T) {
	a := NewAuth(config.Config{Production: true}, zap.NewNop())
	_, err := a.Authenticate(newRequest(map[string]string{"Authorization": "Bearer "}))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateDevelopmentPassesThrough(t *testing.T) {
	a := NewAuth(config.Config{}, zap.NewNop())
	got, err := a.Authenticate(newRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, TriggeredByManual, got)

	a = NewAuth(config.Config{CronSecret: testSecret}, zap.NewNop())
	got, err = a.Authenticate(newRequest(map[string]string{"Authorization": "Bearer wrong"}))
	require.NoError(t, err)
	assert.Equal(t, TriggeredByManual, got)
}

func TestMiddleware(t *testing.T) {
	a := NewAuth(config.Config{CronSecret: testSecret, Production: true}, zap.NewNop())

	var seen string
	called := false
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
		seen = r.Header.Get(HeaderTriggeredByKey)
	})

	w := httptest.NewRecorder()
	h(w, newRequest(map[string]string{HeaderTriggeredByKey: "spoofed"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)

	w = httptest.NewRecorder()
	h(w, newRequest(map[string]string{"Authorization": "Bearer " + testSecret, HeaderTriggeredByKey: "spoofed"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.Equal(t, TriggeredByCron, seen)
}

func TestOperatorToken(t *testing.T) {
	_, err := NewOperatorToken("", "ops", time.Minute)
	require.Error(t, err)

	token, err := NewOperatorToken(testSecret, "ops-1", time.Hour)
	require.NoError(t, err)
	operator, err := ParseOperatorToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", operator)

	_, err = ParseOperatorToken(testSecret, "not.a.token")
	require.Error(t, err)
}
