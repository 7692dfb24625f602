package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Prepare(ctx context.Context, req RestoreRequest) (*Pending, error) {
	args := m.Called(ctx, req)
	pending, _ := args.Get(0).(*Pending)
	return pending, args.Error(1)
}

func TestSoftDeleteAndRestoreAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("buyer-1", 1, 2)
	store.Put("buyer-1", 2, 1)
	store.Put("buyer-2", 1, 5)

	require.NoError(t, store.SoftDelete(ctx, "buyer-1", []int64{1, 2, 99}))
	require.NoError(t, store.SoftDelete(ctx, "buyer-1", []int64{1, 2}))

	items, _ := store.Items(ctx, "buyer-1")
	assert.Empty(t, items)
	items, _ = store.Items(ctx, "buyer-2")
	assert.Len(t, items, 1, "other buyers are untouched")

	n, err := store.Restore(ctx, "buyer-1", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.Restore(ctx, "buyer-1", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	items, _ = store.Items(ctx, "buyer-1")
	assert.Len(t, items, 2)
}

func TestCoordinatorRestoresLocally(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("buyer-1", 3, 1)
	c := NewCoordinator(store, nil, nil, telemetry.NopMetrics())

	require.NoError(t, c.RemoveCartItems(ctx, "buyer-1", []int64{3}))
	require.NoError(t, c.RestoreCartItems(ctx, "buyer-1", []int64{3}))
	require.NoError(t, c.RestoreCartItems(ctx, "buyer-1", []int64{3}), "duplicated failure callback")

	items, _ := store.Items(ctx, "buyer-1")
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].SkuID)
}

func TestCoordinatorSubmitsOnlyAfterCommit(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("buyer-1", 3, 1)
	_ = store.SoftDelete(ctx, "buyer-1", []int64{3})

	submitted := 0
	d := new(MockDispatcher)
	d.On("Prepare", mock.Anything, mock.MatchedBy(func(r RestoreRequest) bool {
		return r.BuyerID == "buyer-1" && len(r.SkuIDs) == 1 && r.SkuIDs[0] == 3
	})).Return(NewPending("gid-1", func() error { submitted++; return nil }), nil).Once()

	journal := NewMemoryJournal()
	c := NewCoordinator(store, d, journal, telemetry.NopMetrics())

	// Act
	err := storage.NopTransactor{}.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.RestoreCartItems(ctx, "buyer-1", []int64{3}); err != nil {
			return err
		}
		assert.Zero(t, submitted, "submit waits for the commit")
		return nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)
	d.AssertExpectations(t)

	committed, err := c.QueryPrepared(ctx, "gid-1")
	require.NoError(t, err)
	assert.True(t, committed)

	items, _ := store.Items(ctx, "buyer-1")
	assert.Empty(t, items, "the remote cart service applies the restore")
}

func TestCoordinatorNeverSubmitsWhenTransactionFails(t *testing.T) {
	ctx := context.Background()
	submitted := 0
	d := new(MockDispatcher)
	d.On("Prepare", mock.Anything, mock.Anything).
		Return(NewPending("gid-2", func() error { submitted++; return nil }), nil)

	// o journal em memória não participa da transação; o desfazer é simulado
	// não gravando o gid, como aconteceria no Postgres
	journal := NewMemoryJournal()
	c := NewCoordinator(NewMemoryStore(), d, &droppingJournal{journal}, nil)

	err := storage.NopTransactor{}.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, c.RestoreCartItems(ctx, "buyer-1", []int64{1}))
		return errors.New("checkout update failed")
	})

	require.Error(t, err)
	assert.Zero(t, submitted)

	committed, err := c.QueryPrepared(ctx, "gid-2")
	require.NoError(t, err)
	assert.False(t, committed, "DTM aborts the prepared message")
}

// droppingJournal simula o rollback do Record
type droppingJournal struct {
	*MemoryJournal
}

func (droppingJournal) Record(context.Context, string, RestoreRequest) error { return nil }

func TestCoordinatorSubmitFailureIsLeftToQueryBack(t *testing.T) {
	d := new(MockDispatcher)
	d.On("Prepare", mock.Anything, mock.Anything).
		Return(NewPending("gid-3", func() error { return errors.New("dtm timeout") }), nil)
	c := NewCoordinator(NewMemoryStore(), d, nil, nil)

	err := storage.NopTransactor{}.WithinTx(context.Background(), func(ctx context.Context) error {
		return c.RestoreCartItems(ctx, "buyer-1", []int64{1})
	})

	require.NoError(t, err)
	committed, _ := c.QueryPrepared(context.Background(), "gid-3")
	assert.True(t, committed)
}

func TestCoordinatorPrepareFailure(t *testing.T) {
	d := new(MockDispatcher)
	d.On("Prepare", mock.Anything, mock.Anything).Return(nil, errors.New("dtm down"))

	c := NewCoordinator(NewMemoryStore(), d, nil, nil)
	err := c.RestoreCartItems(context.Background(), "buyer-1", []int64{1})
	assert.ErrorContains(t, err, "dtm down")
}

func TestCoordinatorRecordAfterRollbackFails(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	// o DTM consultou antes da transação gravar
	committed, err := journal.Resolve(ctx, "gid-4")
	require.NoError(t, err)
	require.False(t, committed)

	d := new(MockDispatcher)
	d.On("Prepare", mock.Anything, mock.Anything).Return(NewPending("gid-4", nil), nil)
	c := NewCoordinator(NewMemoryStore(), d, journal, nil)

	err = c.RestoreCartItems(ctx, "buyer-1", []int64{1})
	assert.ErrorIs(t, err, ErrRolledBack)
}

func TestRestoreWithoutItemsIsNoop(t *testing.T) {
	d := new(MockDispatcher)
	c := NewCoordinator(NewMemoryStore(), d, nil, nil)

	require.NoError(t, c.RestoreCartItems(context.Background(), "buyer-1", nil))
	d.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything)
}

func TestMemoryJournalResolve(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()

	require.NoError(t, j.Record(ctx, "gid-a", RestoreRequest{BuyerID: "buyer-1"}))
	ok, err := j.Resolve(ctx, "gid-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = j.Resolve(ctx, "gid-b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = j.Resolve(ctx, "gid-b")
	assert.False(t, ok, "the rollback decision sticks")
	assert.ErrorIs(t, j.Record(ctx, "gid-b", RestoreRequest{}), ErrRolledBack)
}

func TestDTMDispatcherURLs(t *testing.T) {
	d := NewDTMDispatcher("http://dtm:36789/api/dtmsvr", "http://cart:8080/", "http://checkout:8080")
	assert.Equal(t, "http://cart:8080/internal/cart/restore", d.targetURL)
	assert.Equal(t, "http://checkout:8080/internal/cart/restore/query", d.queryURL)
}
