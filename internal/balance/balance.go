package balance

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/pkg/response"
	"gorm.io/gorm"
)

// Service exposes read access to accumulated balances. Writes go through
// Apply inside the settlement and ledger transactions.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

func (s *Service) Get(ctx context.Context, bucket Bucket, ownerID uint) (*AccumulatedBalance, error) {
	return s.db.Get(ctx, bucket, ownerID)
}

func (s *Service) List(ctx context.Context) ([]AccumulatedBalance, error) {
	return s.db.List(ctx)
}

func (s *Service) Entries(ctx context.Context, bucket Bucket, ownerID uint, r types.HourRange, limit, offset int) (*types.Page[Entry], error) {
	limit, offset = types.NormalizePage(limit, offset)
	entries, total, err := s.db.Entries(ctx, bucket, ownerID, r, limit, offset)
	if err != nil {
		return nil, err
	}
	return &types.Page[Entry]{Items: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ListBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.service.List(c.Request.Context())
		response.Handle(c, balances, err)
	}
}

// EntriesHandler lists the journal for /balances/:bucket/:owner_id/entries,
// optionally bounded by from (inclusive) and to (exclusive) Unix hours
func (h *GinHandlers) EntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := Bucket(c.Param("bucket"))
		if !bucket.Valid() {
			response.BadRequest(c, "bucket must be TEAM, PLATFORM or USER")
			return
		}
		ownerID, err := strconv.ParseUint(c.Param("owner_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid owner_id")
			return
		}
		r, err := types.ParseHourRange(c.Query("from"), c.Query("to"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		page, err := h.service.Entries(c.Request.Context(), bucket, uint(ownerID), r, limit, offset)
		response.Handle(c, page, err)
	}
}
