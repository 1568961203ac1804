package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ouyangCL/remote-build/internal/config"
)

type Middleware func(http.Handler) http.Handler

// Stack composes middlewares in registration order.
type Stack struct {
	middlewares []Middleware
}

func NewStack() *Stack { return &Stack{} }

func (s *Stack) Use(m Middleware) { s.middlewares = append(s.middlewares, m) }

func (s *Stack) Then(h http.Handler) http.Handler {
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func CORS(cfg *config.Config) Middleware {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const identityKey contextKey = "identity"

// JWT validates the bearer token and resolves the caller identity used as
// created_by on deployments. It manages no users beyond that.
func JWT(secret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				JSONError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				JSONError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			subject := ""
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if sub, err := claims.GetSubject(); err == nil {
					subject = sub
				}
			}

			ctx := context.WithValue(r.Context(), identityKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identity returns the authenticated caller set by the JWT middleware.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}
