// Package journal persists executed trades in a pebble store so they can be
// replayed per symbol in the order they were written. It is a trade
// observer; it does not restore order books.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/encoding/json"

	"meridian/internal/common"
)

// seqKey holds the last journal sequence written. Trade keys use the
// journal's own sequence, so history survives engine restarts and resets
// that start trade numbering over.
var seqKey = []byte("meta/seq")

type Journal struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	seq, err := lastSeq(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return &Journal{db: db, seq: seq}, nil
}

func lastSeq(db *pebble.DB) (uint64, error) {
	value, closer, err := db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt sequence record: %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// OnTrade writes the trade under trade/<symbol>/<journal seq>, advancing
// the stored sequence in the same batch.
func (j *Journal) OnTrade(t common.Trade) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trade %s: %w", t.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.seq + 1
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyFor(t.Symbol, next), value, nil); err != nil {
		return err
	}
	if err := batch.Set(seqKey, seq[:], nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("journal trade %s: %w", t.ID, err)
	}
	j.seq = next
	return nil
}

// Trades replays a symbol's trades in write order until fn fails.
func (j *Journal) Trades(symbol string, fn func(common.Trade) error) error {
	prefix := symbolPrefix(symbol)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: seqEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Key()) != len(prefix)+seqDigits {
			continue
		}
		var t common.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Count is the number of trades journalled for symbol.
func (j *Journal) Count(symbol string) (int, error) {
	n := 0
	err := j.Trades(symbol, func(common.Trade) error {
		n++
		return nil
	})
	return n, err
}

func symbolPrefix(symbol string) []byte {
	return []byte("trade/" + symbol + "/")
}

// seqEnd bounds the keys of one symbol: every sequence digit sorts below
// ':'. A symbol that extends another with '/' can still land inside the
// range, so readers also check the key length.
func seqEnd(prefix []byte) []byte {
	return append(prefix[:len(prefix):len(prefix)], ':')
}

const seqDigits = 20

func keyFor(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("trade/%s/%0*d", symbol, seqDigits, seq))
}
