// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/agentlens/internal/config"
)

// authMiddleware authenticates requests against the configured API keys
// and optional JWT secret. With neither configured the API is open,
// which is the expected mode for a localhost deployment.
type authMiddleware struct {
	cfg    config.AuthConfig
	logger *slog.Logger
}

func newAuthMiddleware(cfg config.AuthConfig, logger *slog.Logger) *authMiddleware {
	return &authMiddleware{cfg: cfg, logger: logger}
}

// Wrap wraps an http.Handler with authentication.
func (m *authMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Reject query parameter authentication attempts. Query strings
		// end up in access logs and browser history.
		if r.URL.Query().Get("api_key") != "" {
			m.unauthorized(w, "API keys in query parameters are not supported. Use Authorization header or X-API-Key header.")
			return
		}

		token := extractToken(r)
		if token == "" {
			m.unauthorized(w, "authentication required")
			return
		}

		// Try JWT validation first when a secret is configured and the
		// token arrived as a Bearer credential.
		if m.cfg.JWTSecret != "" && strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			if err := m.validateJWT(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		if !m.validateAPIKey(token) {
			m.unauthorized(w, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken extracts the credential from the request. Only the
// Authorization header (Bearer) and the X-API-Key header are accepted.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// validateAPIKey compares the token against every configured key in
// constant time to prevent timing attacks.
func (m *authMiddleware) validateAPIKey(token string) bool {
	valid := false
	for _, key := range m.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// validateJWT verifies an HS256 token against the configured secret.
func (m *authMiddleware) validateJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return []byte(m.cfg.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is invalid")
	}
	return nil
}

func (m *authMiddleware) unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message)
}
