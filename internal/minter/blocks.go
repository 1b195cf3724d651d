package minter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hellopyusd/internal/chain"
)

const defaultBlockPoll = 4 * time.Second

// BlockWatcher polls the chain head and notifies handlers once per new block.
type BlockWatcher struct {
	reader   chain.Reader
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	handlers []func(uint64)
	last     uint64
	started  bool
}

func NewBlockWatcher(reader chain.Reader, interval time.Duration, logger zerolog.Logger) *BlockWatcher {
	if interval <= 0 {
		interval = defaultBlockPoll
	}
	return &BlockWatcher{reader: reader, interval: interval, logger: logger}
}

func (w *BlockWatcher) OnBlock(fn func(uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Poll reads the head once. Handlers run only when it advanced.
func (w *BlockWatcher) Poll(ctx context.Context) error {
	n, err := w.reader.BlockNumber(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.started && n <= w.last {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.last = n
	handlers := append([]func(uint64){}, w.handlers...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(n)
	}
	return nil
}

// Run polls until ctx is done.
func (w *BlockWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("poll block number")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
