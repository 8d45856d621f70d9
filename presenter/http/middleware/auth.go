package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/presenter/http/render"
)

type ctxKey int

const operatorCtxKey ctxKey = iota

var ErrMissingToken = errors.New("missing bearer token")

// NewAuthMiddleware checks an HS256 bearer token signed with secret.
// An empty secret disables the check.
func NewAuthMiddleware(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				render.Fail(w, r, http.StatusUnauthorized, err.Error())
				return
			}

			claims := jwt.RegisteredClaims{}
			if _, err = parser.ParseWithClaims(tokenString, &claims, keyFunc); err != nil {
				logging.LoggerFromContext(r.Context()).WithError(err).Warn("rejected bearer token")
				render.Fail(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), operatorCtxKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Operator returns the token subject of an authenticated request.
func Operator(ctx context.Context) string {
	if sub, ok := ctx.Value(operatorCtxKey).(string); ok {
		return sub
	}
	return ""
}
