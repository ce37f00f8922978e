package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/pkg/utils"
)

// Verifier 校验 Bearer 令牌。
type Verifier interface {
	Verify(raw string) (*identity.Claims, error)
}

// Keys 是服务端认可的静态密钥。
type Keys struct {
	// Anon 必须出现在 apikey 头中，为空时不校验。
	Anon string
	// Service 作为 Bearer 令牌时可以代表任意用户访问。
	Service string
}

// Auth 校验 apikey 与 Bearer 令牌，并把用户写入请求上下文。
func Auth(verifier Verifier, keys Keys) func(http.Handler) http.Handler {
	anonKey := keys.Anon
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if anonKey != "" && !keyMatches(r.Header.Get("apikey"), anonKey) {
				utils.RespondError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			if keyMatches(raw, keys.Service) {
				next.ServeHTTP(w, r.WithContext(identity.WithService(r.Context())))
				return
			}

			// 匿名 key 可以访问接口，但不能代表任何用户。
			if keyMatches(raw, anonKey) {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				utils.RespondError(w, http.StatusUnauthorized, "token verification unavailable")
				return
			}

			claims, err := verifier.Verify(raw)
			if err != nil {
				log.Printf("[auth] rejected token from %s: %v", r.RemoteAddr, err)
				utils.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := identity.WithUser(r.Context(), claims.SubjectID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// keyMatches 以常量时间比较密钥，want 为空时不匹配。
func keyMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequireUser 拒绝没有用户身份的请求。
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.FromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "user token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	// 浏览器 WebSocket 无法设置请求头。
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
