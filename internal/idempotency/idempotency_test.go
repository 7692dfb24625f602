package idempotency

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExpiry(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	rec := NewRecord("K", "buyer-1", "fp", "session-1", now, time.Hour)

	assert.False(t, rec.Expired(now))
	assert.False(t, rec.Expired(now.Add(59*time.Minute)))
	assert.True(t, rec.Expired(now.Add(time.Hour)))
}

func TestRecordMatches(t *testing.T) {
	rec := NewRecord("K", "buyer-1", "fp-1", "session-1", time.Now(), time.Hour)

	assert.True(t, rec.Matches("buyer-1", "fp-1"))
	assert.False(t, rec.Matches("buyer-2", "fp-1"))
	assert.False(t, rec.Matches("buyer-1", "fp-2"))
}

func TestFingerprintIsStable(t *testing.T) {
	type line struct {
		SkuID int64 `json:"sku_id"`
		Qty   int   `json:"qty"`
	}

	a, err := Fingerprint([]line{{1, 2}, {3, 4}})
	require.NoError(t, err)
	b, err := Fingerprint([]line{{1, 2}, {3, 4}})
	require.NoError(t, err)
	c, err := Fingerprint([]line{{1, 2}, {3, 5}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/checkouts", nil)
	req.Header.Set(Header, "  key-123 ")

	assert.Equal(t, "key-123", FromRequest(req))
}

func TestMemoryRegistryFirstWriterThenOverwrite(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	got, err := reg.Find(ctx, "K")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now()
	require.NoError(t, reg.Save(ctx, NewRecord("K", "b", "fp", "s-1", now, time.Minute)))
	got, err = reg.Find(ctx, "K")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.SessionID)

	require.NoError(t, reg.Save(ctx, NewRecord("K", "b", "fp", "s-2", now.Add(time.Hour), time.Minute)))
	got, _ = reg.Find(ctx, "K")
	assert.Equal(t, "s-2", got.SessionID)
}
