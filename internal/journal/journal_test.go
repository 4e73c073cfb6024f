package journal

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/common"
)

func trade(symbol string, seq uint64) common.Trade {
	return common.Trade{
		ID:           "T" + symbol,
		Seq:          seq,
		Symbol:       symbol,
		MakerOrderID: "m",
		TakerOrderID: "t",
		TakerSide:    common.Sell,
		Price:        common.MustPrice("10.25"),
		Quantity:     common.MustQuantity("3"),
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestJournal_ReplayInWriteOrder(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	// Trade sequences are whatever the book assigned; replay follows writes.
	for _, seq := range []uint64{10, 2, 1, 100} {
		require.NoError(t, j.OnTrade(trade("AAPL", seq)))
	}
	require.NoError(t, j.OnTrade(trade("AAP", 1)))
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()

	var seqs []uint64
	require.NoError(t, j.Trades("AAPL", func(tr common.Trade) error {
		assert.Equal(t, trade("AAPL", tr.Seq), tr)
		seqs = append(seqs, tr.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{10, 2, 1, 100}, seqs)

	n, err := j.Count("AAP")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = j.Count("MSFT")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournal_KeepsHistoryAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	// Every run numbers its trades from 1 again.
	for run := 0; run < 2; run++ {
		j, err := Open(dir)
		require.NoError(t, err)
		first := trade("AAPL", 1)
		first.ID = fmt.Sprintf("run%d-1", run)
		second := trade("AAPL", 2)
		second.ID = fmt.Sprintf("run%d-2", run)
		require.NoError(t, j.OnTrade(first))
		require.NoError(t, j.OnTrade(second))
		require.NoError(t, j.Close())
	}

	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	var ids []string
	require.NoError(t, j.Trades("AAPL", func(tr common.Trade) error {
		ids = append(ids, tr.ID)
		return nil
	}))
	assert.Equal(t, []string{"run0-1", "run0-2", "run1-1", "run1-2"}, ids)
}

func TestJournal_SymbolRangeIsExact(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.OnTrade(trade("AAPL", 1)))
	require.NoError(t, j.OnTrade(trade("AAPL/X", 1)))
	require.NoError(t, j.OnTrade(trade("AAPL/1", 1)))
	require.NoError(t, j.OnTrade(trade("AAPL~", 1)))

	n, err := j.Count("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = j.Count("AAPL/1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = j.Count("AAPL/X")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_StopsOnCallbackError(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.OnTrade(trade("AAPL", 1)))
	require.NoError(t, j.OnTrade(trade("AAPL", 2)))

	stop := errors.New("stop")
	calls := 0
	err = j.Trades("AAPL", func(common.Trade) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
