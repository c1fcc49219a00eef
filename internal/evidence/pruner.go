package evidence

import (
	"context"
	"log"
	"time"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/store"
)

const pruneBatchSize = 100

// Pruner removes evidence whose retention has elapsed, rows and blobs.
// Expiry is stamped on each item at upload, so the pruner only compares
// against the current time.
type Pruner struct {
	store    store.Store
	blobs    BlobStore
	clock    clock.Clock
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPruner creates a pruner but does not start it.
func NewPruner(s store.Store, blobs BlobStore, clk clock.Clock, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Pruner{
		store:    s,
		blobs:    blobs,
		clock:    clk,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs one prune immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	log.Printf("Evidence pruner started (interval=%s)", p.interval)
}

// Stop signals the pruner to exit and waits for it.
func (p *Pruner) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	deleted, err := p.PruneOnce(ctx)
	if err != nil {
		log.Printf("Evidence prune error: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Evidence prune: deleted %d expired photos", deleted)
	}
}

// PruneOnce deletes every item expired as of now and returns how many rows
// were removed.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	now := p.clock.Now()
	var total int64
	for {
		expired, err := p.store.ListExpiredEvidence(ctx, now, pruneBatchSize)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}

		ids := make([]string, 0, len(expired))
		for _, it := range expired {
			if err := p.blobs.Delete(ctx, it.Reference); err != nil {
				log.Printf("Failed to delete photo blob %s: %v", it.Reference, err)
			}
			ids = append(ids, it.ID)
		}

		n, err := p.store.DeleteEvidence(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if len(expired) < pruneBatchSize {
			return total, nil
		}
	}
}
