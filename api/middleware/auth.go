package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mercadofree/mercadofree-backend/api/responses"
	"github.com/mercadofree/mercadofree-backend/internal/orders"
	pkgAuth "github.com/mercadofree/mercadofree-backend/pkg/auth"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

// Auth validates a Bearer token and seeds the request context with the acting principal.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mercadofree"`)
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			scheme, token, _ := strings.Cut(raw, " ")
			if !strings.EqualFold(scheme, "bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mercadofree"`)
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "unsupported authorization scheme"))
				return
			}
			token = strings.TrimSpace(token)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mercadofree"`)
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, pkgAuth.ErrTokenExpired) {
					msg = "token expired"
				}
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="mercadofree", error="invalid_token", error_description=%q`, msg))
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg))
				return
			}

			actor := orders.Actor{UserID: claims.UserID, Role: claims.Role}
			if err := actor.Validate(); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			traceActor(r.Context(), actor)
			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				ctx = logg.WithActor(ctx, claims.UserID.String(), claims.Role.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
