package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		cost     int
		wantErr  bool
	}{
		{"valid password", "password123", bcrypt.MinCost, false},
		{"empty password", "", bcrypt.MinCost, false},
		{"out of range cost falls back", "password123", 99, false},
		{"too long password", string(make([]byte, 80)), bcrypt.MinCost, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password, tt.cost)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestHashPassword_DifferentHashes(t *testing.T) {
	password := "testpassword"
	hash1, _ := HashPassword(password, bcrypt.MinCost)
	hash2, _ := HashPassword(password, bcrypt.MinCost)

	if hash1 == hash2 {
		t.Error("HashPassword() should produce different hashes for same password")
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	userID := uint(42)

	token, err := GenerateAccessToken(userID, secret, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	refresh, err := GenerateRefreshToken(userID, "refresh-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID uint
		wantErr bool
	}{
		{"valid token", token, secret, userID, false},
		{"wrong secret", token, "wrong-secret", 0, true},
		{"refresh token is not an access token", refresh, secret, 0, true},
		{"invalid token", "invalid.token.here", secret, 0, true},
		{"empty token", "", secret, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && claims.UserID != tt.wantUID {
				t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	secret := "test-secret"
	token, err := GenerateAccessToken(1, secret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseAccessToken(token, secret)
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	secret := "refresh-secret"
	token1, err := GenerateRefreshToken(7, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	token2, err := GenerateRefreshToken(7, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}

	if token1 == token2 {
		t.Error("GenerateRefreshToken() should generate unique tokens")
	}

	claims, err := ParseRefreshToken(token1, secret)
	if err != nil {
		t.Fatalf("ParseRefreshToken() error = %v", err)
	}
	if claims.UserID != 7 || claims.ID == "" {
		t.Errorf("ParseRefreshToken() claims = %+v", claims)
	}

	access, _ := GenerateAccessToken(7, secret, time.Hour)
	if _, err := ParseRefreshToken(access, secret); err == nil {
		t.Error("ParseRefreshToken() should reject a token without jti")
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	if len(h) != 64 {
		t.Errorf("HashToken() length = %d, want 64", len(h))
	}
	if h != HashToken("abc") {
		t.Error("HashToken() should be deterministic")
	}
	if h == HashToken("abd") {
		t.Error("HashToken() should differ for different input")
	}
}

type verifierFunc func(string) (uint, error)

func (f verifierFunc) VerifyAccess(token string) (uint, error) { return f(token) }

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := verifierFunc(func(token string) (uint, error) {
		if token == "good" {
			return 5, nil
		}
		return 0, errors.New("bad token")
	})

	r := gin.New()
	r.GET("/p", AuthMiddleware(v), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": GetUserID(c)})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid bearer", "Bearer good", http.StatusOK},
		{"lowercase scheme", "bearer good", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/p", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
