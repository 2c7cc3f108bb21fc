package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, *auth.Service) {
	t.Helper()
	authService := auth.NewService("test-secret", time.Hour)
	authService.RegisterOperator("reader", "r", auth.PermissionRead)
	authService.RegisterOperator("settler", "s", auth.PermissionRead, auth.PermissionSettle)

	r := gin.New()
	api := r.Group("/api/v1", JWTAuth(authService))
	api.GET("/portfolios", RequirePermission(auth.PermissionRead), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})
	api.POST("/portfolios/:portfolio_id/settle", RequirePermission(auth.PermissionSettle), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r, authService
}

func token(t *testing.T, s *auth.Service, key, secret string) string {
	t.Helper()
	tok, err := s.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func TestJWTAuth(t *testing.T) {
	r, s := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "/api/v1/portfolios", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/portfolios", "Bearer nope", http.StatusUnauthorized},
		{"reader can read", http.MethodGet, "/api/v1/portfolios", token(t, s, "reader", "r"), http.StatusOK},
		{"reader cannot settle", http.MethodPost, "/api/v1/portfolios/1/settle", token(t, s, "reader", "r"), http.StatusForbidden},
		{"settler can settle", http.MethodPost, "/api/v1/portfolios/1/settle", token(t, s, "settler", "s"), http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, authLimit, limitFor(http.MethodPost, "/api/v1/auth/token"))
	assert.Equal(t, settleLimit, limitFor(http.MethodPost, "/api/v1/portfolios/:portfolio_id/settle"))
	assert.Equal(t, ledgerLimit, limitFor(http.MethodPost, "/api/v1/withdrawals"))
	assert.Equal(t, readLimit, limitFor(http.MethodGet, "/api/v1/withdrawals"))
	assert.Equal(t, rate.Inf, limitFor(http.MethodGet, "/metrics"))
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.POST("/api/v1/auth/token", RateLimit(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
