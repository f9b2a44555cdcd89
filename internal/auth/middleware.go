package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/courier-sync/internal/common"
)

// AdminGuard validates bearer tokens on operator endpoints. Tokens are
// HMAC-signed JWTs carrying a role claim; issuer and audience are pinned.
type AdminGuard struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	// Now is the clock used for expiry validation, injectable for tests.
	Now func() time.Time
}

// RequireAdmin rejects requests without a valid admin token.
func (g AdminGuard) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.Secret) == 0 {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "admin auth not configured", nil)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		tok, err := jwt.Parse([]byte(raw),
			jwt.WithKey(jwa.HS256, g.Secret),
			jwt.WithValidate(false),
		)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		if err := g.validate(tok); err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		role, _ := tok.Get("role")
		if roleStr, ok := role.(string); !ok || roleStr != "admin" {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g AdminGuard) validate(tok jwt.Token) error {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if g.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(g.ClockSkew))
	}
	if g.Issuer != "" {
		options = append(options, jwt.WithIssuer(g.Issuer))
	}
	if g.Audience != "" {
		options = append(options, jwt.WithAudience(g.Audience))
	}
	return jwt.Validate(tok, options...)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
