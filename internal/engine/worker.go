package engine

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"meridian/internal/common"
	"meridian/internal/queue"
)

// shard is one ingress queue and the single worker draining it. Every
// symbol hashes to exactly one shard, so a symbol's orders are matched in
// the order they were queued and no two workers touch the same book.
type shard struct {
	id      int
	ingress *queue.Ring[*common.Order]
}

func newShard(id, capacity int) (*shard, error) {
	ring, err := queue.New[*common.Order](capacity)
	if err != nil {
		return nil, fmt.Errorf("shard %d ingress: %w", id, err)
	}
	return &shard{id: id, ingress: ring}, nil
}

func (e *Engine) shardFor(symbol string) *shard {
	return e.shards[xxhash.Sum64String(symbol)%uint64(len(e.shards))]
}

// work waits on orders in the shard's ingress queue and actions them. When
// intake is cancelled the worker drains what is already queued and exits;
// a killed tomb cuts the drain short.
func (e *Engine) work(t *tomb.Tomb, intake context.Context, s *shard) error {
	ctx := t.Context(nil)
	log.Debug().Int("shard", s.id).Msg("worker started")

	for {
		order, err := s.ingress.DequeueWait(intake)
		if err != nil {
			break
		}
		e.process(ctx, order)
	}

	drained := 0
	for t.Alive() {
		order, ok := s.ingress.TryDequeue()
		if !ok {
			break
		}
		e.process(ctx, order)
		drained++
	}
	log.Debug().Int("shard", s.id).Int("drained", drained).Bool("killed", !t.Alive()).Msg("worker exiting")
	return nil
}
