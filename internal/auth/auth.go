package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/auth/config"
)

type Auth interface {
	Authenticate(r *http.Request) (string, error)
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

var ErrUnauthorized = errors.New("unauthorized")

const (
	HeaderTriggeredByKey = "X-Triggered-By"
	headerCronSecret     = "X-Cron-Secret"
	bearerPrefix         = "Bearer "
	operatorPrefix       = "operator:"
	tokenIssuer          = "solutionshub-batch"

	TriggeredByCron   = "cron"
	TriggeredByManual = "manual"
)

type auth struct {
	cfg    config.Config
	zaplog *zap.Logger
}

func NewAuth(cfg config.Config, zaplog *zap.Logger) Auth {
	return &auth{cfg: cfg, zaplog: zaplog}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// кто запустил обработку
		triggeredBy, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		r.Header.Set(HeaderTriggeredByKey, triggeredBy)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

// Authenticate проверяет учетные данные триггера и возвращает, кто его вызвал.
// В production без валидного секрета возвращается ErrUnauthorized.
func (a *auth) Authenticate(r *http.Request) (string, error) {
	if a.cfg.CronSecret == "" {
		if a.cfg.Production {
			return "", ErrUnauthorized
		}
		a.zaplog.Warn("cron secret not configured, trigger accepted without authentication",
			zap.String("path", r.URL.Path))
		return TriggeredByManual, nil
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		credential := strings.TrimPrefix(header, bearerPrefix)
		if a.secretMatches(credential) {
			return TriggeredByCron, nil
		}
		if operator, err := ParseOperatorToken(a.cfg.CronSecret, credential); err == nil {
			return operatorPrefix + operator, nil
		}
	}
	if credential := r.Header.Get(headerCronSecret); credential != "" && a.secretMatches(credential) {
		return TriggeredByManual, nil
	}

	if a.cfg.Production {
		a.zaplog.Warn("trigger rejected",
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr))
		return "", ErrUnauthorized
	}
	a.zaplog.Warn("invalid trigger credential accepted outside production",
		zap.String("path", r.URL.Path))
	return TriggeredByManual, nil
}

func (a *auth) secretMatches(credential string) bool {
	return subtle.ConstantTimeCompare([]byte(credential), []byte(a.cfg.CronSecret)) == 1
}

// NewOperatorToken выпускает HS256 токен для ручного запуска оператором.
func NewOperatorToken(secret string, operator string, ttl time.Duration) (string, error) {
	if secret == "" || operator == "" {
		return "", fmt.Errorf("operator token: secret and operator required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseOperatorToken проверяет подпись и срок токена и возвращает id оператора.
func ParseOperatorToken(secret string, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Issuer != tokenIssuer || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
