package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractAPIKey pulls the client token from a request. It checks the
// Authorization header, then X-API-Key, then the api_key query parameter.
// The query fallback exists for browser websocket dials, which cannot set
// headers.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// authorize checks the request token against the configured one. An empty
// configured token leaves the gateway open.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	key := ExtractAPIKey(r)
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthToken)) == 1
}
