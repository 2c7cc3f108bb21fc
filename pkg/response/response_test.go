package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

func TestHandle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		method   string
		err      error
		wantCode int
		wantErr  string
	}{
		{"get ok", http.MethodGet, nil, http.StatusOK, ""},
		{"post ok", http.MethodPost, nil, http.StatusCreated, ""},
		{"not found", http.MethodGet, fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"duplicate hour", http.MethodPost, fmt.Errorf("%w: p1", types.ErrDuplicateSnapshot), http.StatusConflict, ErrCodeDuplicateResource},
		{"bad hour", http.MethodPost, types.ErrInvalidSettlementTime, http.StatusBadRequest, ErrCodeValidationFailed},
		{"no ratio", http.MethodPost, fmt.Errorf("%w: p1", types.ErrNoRatioConfigured), http.StatusServiceUnavailable, ErrCodeDeferred},
		{"overdraw", http.MethodPost, types.ErrInsufficientBalance, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds},
		{"unexpected", http.MethodGet, errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(tt.method, "/", nil)

			Handle(c, map[string]int{"id": 1}, tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			body := rec.Body.Bytes()
			assert.Equal(t, tt.err == nil, gjson.GetBytes(body, "success").Bool())
			assert.Equal(t, tt.wantErr, gjson.GetBytes(body, "error.code").String())
		})
	}
}
