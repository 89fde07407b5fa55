// Package authmw provides HTTP middleware for shared-secret API key authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const unauthorizedBody = `{"ok":false,"error":"Unauthorized"}` + "\n"

// APIKey returns middleware that requires header to carry key. Both sides are
// trimmed of surrounding whitespace, then compared in constant time. An empty
// key rejects every request. Mismatches are logged with lengths only.
func APIKey(header, key string, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	expected := []byte(strings.TrimSpace(key))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get(header)))

			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				logger.Warn(r.Context(), "api key rejected",
					"header", header,
					"received_len", len(got),
					"expected_len", len(expected),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(unauthorizedBody))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
