package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/common"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaForwarder_OnTrade(t *testing.T) {
	w := &fakeWriter{}
	f := &KafkaForwarder{writer: w, timeout: time.Second}

	tr := common.Trade{
		ID:        "T1",
		Seq:       1,
		Symbol:    "AAPL",
		TakerSide: common.Buy,
		Price:     common.MustPrice("10"),
		Quantity:  common.MustQuantity("2"),
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, f.OnTrade(tr))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("AAPL"), w.msgs[0].Key)
	assert.Equal(t, tr.Timestamp, w.msgs[0].Time)

	var got common.Trade
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, tr, got)

	require.NoError(t, f.Close())
	assert.True(t, w.closed)
}

func TestKafkaForwarder_WrapsWriteError(t *testing.T) {
	broker := errors.New("broker down")
	f := &KafkaForwarder{writer: &fakeWriter{err: broker}, timeout: time.Second}
	err := f.OnTrade(common.Trade{ID: "T1", Symbol: "AAPL"})
	assert.ErrorIs(t, err, broker)
}

func TestNewKafkaForwarder(t *testing.T) {
	f := NewKafkaForwarder([]string{"localhost:9092"}, "trades")
	w, ok := f.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "trades", w.Topic)
	assert.Equal(t, defaultWriteTimeout, f.timeout)
}
