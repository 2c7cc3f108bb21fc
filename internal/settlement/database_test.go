package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// errorRecorder keeps every statement error gorm reports to its logger
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) LogMode(logger.LogLevel) logger.Interface        { return r }
func (r *errorRecorder) Info(context.Context, string, ...interface{})  {}
func (r *errorRecorder) Warn(context.Context, string, ...interface{})  {}
func (r *errorRecorder) Error(context.Context, string, ...interface{}) {}

func (r *errorRecorder) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestLookupsOfUnsettledPortfolioAreQuiet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := &errorRecorder{}
	db := NewDatabase(f.db.Session(&gorm.Session{Logger: rec}))

	last, err := db.LastLog(ctx, f.p.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	snap, err := db.GetSnapshot(ctx, f.p.ID, hr(0).Unix())
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.Empty(t, rec.errs)
}
