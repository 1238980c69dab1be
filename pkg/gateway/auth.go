package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the shared secret presented on an upgrade request.
// Clients send it as "Authorization: Bearer <secret>", or as a "token" query
// parameter for WebSocket clients that cannot set headers.
func authorize(r *http.Request, sharedSecret string) bool {
	presented := bearerToken(r.Header.Get("Authorization"))
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	if presented == "" || sharedSecret == "" {
		return false
	}

	// Constant-time comparison to prevent timing attacks.
	return subtle.ConstantTimeCompare([]byte(presented), []byte(sharedSecret)) == 1
}

// bearerToken extracts the credential from a Bearer authorization header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
