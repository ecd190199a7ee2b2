package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const authTestSecret = "middleware-test-secret"

func signTestJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func baseClaims(scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "pulse-tests",
		"sub":   "ops-1",
		"aud":   "pulse-admin",
		"scope": scope,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func authHandler(auth *Authenticator, scopes ...string) http.Handler {
	return auth.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: authTestSecret, Issuer: "pulse-tests", Audience: "pulse-admin"}, nil)
	handler := authHandler(auth, "market.admin")

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, baseClaims("market.admin market.viewer")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected scoped token to pass, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsMissingOrBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: authTestSecret, Issuer: "pulse-tests", Audience: "pulse-admin"}, nil)
	handler := authHandler(auth, "market.admin")

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcg==", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signTestJWT(t, "other-secret", baseClaims("market.admin")), http.StatusUnauthorized},
		{"insufficient scope", "Bearer " + signTestJWT(t, authTestSecret, baseClaims("market.viewer")), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.Code)
			}
		})
	}
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: authTestSecret, ClockSkew: time.Second}, nil)
	handler := authHandler(auth)

	claims := baseClaims("market.admin")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected expired token rejection, got %d", res.Code)
	}
}

func TestAuthenticatorValidatesIssuerAndAudience(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: authTestSecret, Issuer: "pulse-tests", Audience: "pulse-admin"}, nil)
	handler := authHandler(auth)

	claims := baseClaims("market.admin")
	claims["iss"] = "someone-else"
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch rejection, got %d", res.Code)
	}

	claims = baseClaims("market.admin")
	claims["aud"] = []interface{}{"pulse-admin", "other"}
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected audience list match to pass, got %d", res.Code)
	}
}

func TestAuthenticatorClosedWithoutSecret(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := authHandler(auth)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/markets", nil)
	req.Header.Set("Authorization", "Bearer "+signTestJWT(t, authTestSecret, baseClaims("market.admin")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected closed-by-default rejection, got %d", res.Code)
	}
}
