package snapshot

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/compliancehq/review-engine/internal/model"
)

func newTestStore(t *testing.T) *Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Snapshot{}))
	return NewStore(db, zap.NewNop().Sugar())
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1", 20, []byte(`{"title":"a"}`)))

	version, state, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), version)
	assert.JSONEq(t, `{"title":"a"}`, string(state))
}

func TestSave_UpsertsLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1", 20, []byte(`{"v":20}`)))
	require.NoError(t, s.Save(ctx, "doc-1", 40, []byte(`{"v":40}`)))
	// Saving the same version again is idempotent.
	require.NoError(t, s.Save(ctx, "doc-1", 40, []byte(`{"v":40}`)))

	version, state, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), version)
	assert.JSONEq(t, `{"v":40}`, string(state))
}

func TestLoad_NoSnapshot(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Load(context.Background(), "doc-missing")
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}
