package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("test-secret-for-middleware-testing")
}

func protectedRouter(extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(AuthRequired())
	router.Use(extra...)
	router.POST("/protected", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"user_id":  GetUserID(c),
			"username": GetUsername(c),
			"role":     GetRole(c),
		})
	})
	return router
}

func TestAuthRequired_Rejects(t *testing.T) {
	testCases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"no scheme", "InvalidToken"},
		{"basic scheme", "Basic token123"},
		{"bearer without token", "Bearer"},
		{"bearer blank token", "Bearer   "},
		{"garbage token", "Bearer invalid.jwt.token"},
	}

	router := protectedRouter()
	for _, tc := range testCases {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/protected", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected status %d, got %d", tc.name, http.StatusUnauthorized, w.Code)
		}
	}
}

func TestAuthRequired_ValidToken(t *testing.T) {
	token, err := utils.GenerateToken(1, "testuser", utils.RoleAdmin, 24)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	protectedRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestTriggerRequired(t *testing.T) {
	testCases := []struct {
		role     string
		expected int
	}{
		{utils.RoleAdmin, http.StatusOK},
		{utils.RoleOperator, http.StatusOK},
		{utils.RoleViewer, http.StatusForbidden},
	}

	router := protectedRouter(TriggerRequired())
	for _, tc := range testCases {
		token, _ := utils.GenerateToken(5, "someone", tc.role, 1)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)

		if w.Code != tc.expected {
			t.Errorf("role %q: expected status %d, got %d", tc.role, tc.expected, w.Code)
		}
	}
}

func TestTriggerRequired_NoRole(t *testing.T) {
	router := gin.New()
	router.Use(TriggerRequired())
	router.POST("/trigger", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/trigger", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

func TestGetUserID(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if id := GetUserID(c); id != nil {
		t.Errorf("expected nil for missing user_id, got %d", *id)
	}

	c.Set(ContextUserID, uint(0))
	if id := GetUserID(c); id != nil {
		t.Errorf("expected nil for zero user_id, got %d", *id)
	}

	c.Set(ContextUserID, uint(42))
	if id := GetUserID(c); id == nil || *id != 42 {
		t.Errorf("expected 42, got %v", id)
	}
}

func TestGetUsernameAndRole(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if name := GetUsername(c); name != "" {
		t.Errorf("expected empty username, got %q", name)
	}
	if role := GetRole(c); role != "" {
		t.Errorf("expected empty role, got %q", role)
	}

	c.Set(ContextUsername, "testuser")
	c.Set(ContextRole, utils.RoleOperator)
	if name := GetUsername(c); name != "testuser" {
		t.Errorf("expected %q, got %q", "testuser", name)
	}
	if role := GetRole(c); role != utils.RoleOperator {
		t.Errorf("expected %q, got %q", utils.RoleOperator, role)
	}
}
