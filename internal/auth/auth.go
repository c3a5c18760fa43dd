package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"diskdeck/internal/config"
)

type ctxKey string

const userKey ctxKey = "diskdeck.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func HasAuth(cfg config.Config) bool {
	return len(cfg.Users) > 0
}

// SafeMethod reports whether r cannot modify the tree. WebDAV PROPFIND
// counts as a read.
func SafeMethod(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		return true
	}
	return false
}

// Guard wraps a handler with BasicAuth.
//   - If cfg.Users is empty: allow all.
//   - Else if cfg.AuthOptional is false: require valid basic auth.
//   - Else: anonymous requests pass when readOnly(r) holds; credentials, when
//     sent, are always checked.
//
// A nil readOnly means SafeMethod.
func Guard(cfg config.Config, readOnly func(*http.Request) bool, next http.Handler) http.Handler {
	if !HasAuth(cfg) {
		return next
	}
	if readOnly == nil {
		readOnly = SafeMethod
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") == "" {
			if cfg.AuthOptional && readOnly(r) {
				next.ServeHTTP(w, r)
				return
			}
			deny(w)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok {
			deny(w)
			return
		}
		user, ok := cfg.Users[u]
		if !ok {
			// burn comparable time so unknown users are not distinguishable
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(p))
			deny(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.Bcrypt), []byte(p)); err != nil {
			deny(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// Well-formed cost-10 hash that no configured password is expected to match.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZsDqkMZ6hSmd1W7N2bXJ5K")

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="diskdeck"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// HashPassword is what the passwd subcommand prints.
func HashPassword(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
