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

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue("ops@classroll.local", "admin", "classroll", "secret", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Parse(tok.AccessToken, "secret", "classroll")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "ops@classroll.local" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	valid, _ := Issue("a", "admin", "classroll", "secret", time.Hour, time.Now())
	expired, _ := Issue("a", "admin", "classroll", "secret", time.Minute, time.Now().Add(-time.Hour))

	cases := []struct {
		name, token, key, issuer string
	}{
		{"wrong key", valid.AccessToken, "other", "classroll"},
		{"wrong issuer", valid.AccessToken, "secret", "someone-else"},
		{"expired", expired.AccessToken, "secret", "classroll"},
		{"garbage", "not.a.token", "secret", "classroll"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func newRouter(roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", OperatorAuth("secret", "classroll"))
	if len(roles) > 0 {
		g.Use(RequireRole(roles...))
	}
	g.GET("/me", func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"sub": claims.Subject})
	})
	return r
}

func TestOperatorAuth(t *testing.T) {
	tok, _ := Issue("ops", "viewer", "classroll", "secret", time.Hour, time.Now())
	cases := []struct {
		name   string
		target string
		header string
		roles  []string
		want   int
	}{
		{"missing token", "/me", "", nil, http.StatusUnauthorized},
		{"bad token", "/me", "Bearer nope", nil, http.StatusUnauthorized},
		{"header token", "/me", "Bearer " + tok.AccessToken, nil, http.StatusOK},
		{"lowercase scheme", "/me", "bearer " + tok.AccessToken, nil, http.StatusOK},
		{"query token", "/me?access_token=" + tok.AccessToken, "", nil, http.StatusOK},
		{"role denied", "/me", "Bearer " + tok.AccessToken, []string{"admin"}, http.StatusForbidden},
		{"role allowed", "/me", "Bearer " + tok.AccessToken, []string{"admin", "viewer"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			newRouter(tc.roles...).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuthenticator("Admin@Classroll.local", string(hash), "admin")

	op, err := a.Login("admin@classroll.local ", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if op.Role != "admin" || op.Email != "admin@classroll.local" {
		t.Fatalf("unexpected operator %+v", op)
	}
	if _, err := a.Login("admin@classroll.local", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := a.Login("someone@else", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := NewAuthenticator("a", "", "admin").Login("a", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("empty hash must disable login")
	}
}
