package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenGetRoundTrips(t *testing.T) {
	s := NewInMemory()
	require.NoError(t, s.Save(TradeRecord{OrderID: 1, Symbol: "BTCUSDT", Side: "BUY", Quantity: 0.01}))

	rec, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetMissingOrderReturnsFalse(t *testing.T) {
	s := NewInMemory()
	_, ok := s.Get(999)
	assert.False(t, ok)
}

func TestUpdateFillMergesIntoExistingRecord(t *testing.T) {
	s := NewInMemory()
	require.NoError(t, s.Save(TradeRecord{OrderID: 2, Symbol: "ETHUSDT", Quantity: 1}))

	require.NoError(t, s.UpdateFill(2, 1, 3400.5, 0.12))

	rec, ok := s.Get(2)
	require.True(t, ok)
	assert.Equal(t, 1.0, rec.ExecutedQty)
	assert.Equal(t, 3400.5, rec.AvgPrice)
	assert.Equal(t, 0.12, rec.Commissions)
}

func TestUpdateFillOnUnknownOrderIsNoop(t *testing.T) {
	s := NewInMemory()
	assert.NoError(t, s.UpdateFill(404, 1, 1, 0))
	_, ok := s.Get(404)
	assert.False(t, ok)
}
