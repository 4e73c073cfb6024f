package engine

import (
	"fmt"
	"runtime"

	"meridian/internal/book"
	"meridian/internal/dispatch"
	"meridian/internal/metrics"
)

// EgressPolicy decides what a worker does when the egress stream is full.
type EgressPolicy int

const (
	// EgressDrop skips the trade and counts it.
	EgressDrop EgressPolicy = iota
	// EgressBlock waits for a consumer to make room. A forced stop
	// releases waiting workers.
	EgressBlock
)

func (p EgressPolicy) String() string {
	switch p {
	case EgressDrop:
		return "drop"
	case EgressBlock:
		return "block"
	}
	return fmt.Sprintf("egress(%d)", int(p))
}

func ParseEgressPolicy(s string) (EgressPolicy, error) {
	switch s {
	case "", "drop":
		return EgressDrop, nil
	case "block":
		return EgressBlock, nil
	}
	return 0, fmt.Errorf("unknown egress policy %q", s)
}

type Config struct {
	// Workers is the number of shards. Each shard has one ingress queue
	// and one worker, and owns every symbol that hashes to it.
	Workers int
	// QueueCapacity bounds each shard's ingress queue.
	QueueCapacity int
	// EgressCapacity bounds the trade stream read by NextTrade. Zero or
	// less disables the stream.
	EgressCapacity int
	EgressPolicy   EgressPolicy

	DispatchMode     dispatch.Mode
	DispatchCapacity int
	// DispatchOverflow applies when the async delivery queue is full. The
	// default drops and counts; Block holds the matching worker.
	DispatchOverflow dispatch.Overflow

	Book    book.Config
	Metrics *metrics.Metrics
}

const (
	defaultQueueCapacity    = 1 << 12
	defaultEgressCapacity   = 1 << 16
	defaultDispatchCapacity = 1 << 12
)

func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		QueueCapacity:    defaultQueueCapacity,
		EgressCapacity:   defaultEgressCapacity,
		EgressPolicy:     EgressDrop,
		DispatchMode:     dispatch.Async,
		DispatchCapacity: defaultDispatchCapacity,
		DispatchOverflow: dispatch.Drop,
	}
}

// withDefaults fills zero sizing fields. EgressCapacity is left alone since
// zero means disabled.
func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.DispatchCapacity <= 0 {
		cfg.DispatchCapacity = defaultDispatchCapacity
	}
	return cfg
}
