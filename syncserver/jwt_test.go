package syncserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Valentin5643/Liftrix/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	ownerID := "lifter-123"
	deviceID := "phone-456"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(ownerID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected did %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != ownerID {
		t.Errorf("Expected sub %s, got %s", ownerID, claims.Subject)
	}
	if claims.Issuer != "liftrix-sync" {
		t.Errorf("Expected issuer 'liftrix-sync', got %s", claims.Issuer)
	}

	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}
	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(duration)).Abs()
	if diff > time.Second {
		t.Errorf("Token expiry differs by more than 1 second: %v", diff)
	}
}

func TestJWTAuth_ValidateToken_Rejects(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	expired, err := jwtAuth.GenerateToken("lifter", "phone", -time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	foreign, err := NewJWTAuth("other-secret").GenerateToken("lifter", "phone", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	noDevice, err := jwtAuth.GenerateToken("lifter", "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	noOwner, err := jwtAuth.GenerateToken("", "phone", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{DeviceID: "phone",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "lifter"}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build unsigned token: %v", err)
	}

	cases := map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"missing did":  noDevice,
		"missing sub":  noOwner,
		"unsigned":     none,
		"garbage":      "not-a-token",
		"empty":        "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := jwtAuth.ValidateToken(token); err == nil {
				t.Errorf("Expected %s token to be rejected", name)
			}
		})
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("lifter-1", "phone", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotOwner, gotDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, _ = auth.GetOwnerID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
	if gotOwner != "lifter-1" || gotDevice != "phone" {
		t.Errorf("Expected identity lifter-1/phone in context, got %s/%s", gotOwner, gotDevice)
	}
}

func TestJWTAuth_ClientAuthenticatorFallsBackToHeader(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("lifter-1", "watch", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	owner, err := jwtAuth.GetOwnerID(req)
	if err != nil || owner != "lifter-1" {
		t.Errorf("GetOwnerID = %q, %v", owner, err)
	}
	device, err := jwtAuth.GetDeviceID(req)
	if err != nil || device != "watch" {
		t.Errorf("GetDeviceID = %q, %v", device, err)
	}

	if _, err := jwtAuth.GetOwnerID(httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Error("Expected error without Authorization header")
	}
}
