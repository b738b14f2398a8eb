package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

// DownloadCounter batches download_count increments and flushes them to
// the store at most once per interval. Counts are at-least-once: a crash
// between increment and flush loses up to one interval of counts, a
// failed flush retries on the next tick.
type DownloadCounter struct {
	store    metadata.Store
	logger   *observability.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[downloadKey]int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type downloadKey struct {
	name    string
	version string
}

// NewDownloadCounter creates a counter flushing every interval. An
// interval of zero defaults to one minute.
func NewDownloadCounter(store metadata.Store, logger *observability.Logger, interval time.Duration) *DownloadCounter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DownloadCounter{
		store:    store,
		logger:   logger,
		interval: interval,
		pending:  make(map[downloadKey]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add records one download of the given version.
func (c *DownloadCounter) Add(name, version string) {
	c.mu.Lock()
	c.pending[downloadKey{name, version}]++
	c.mu.Unlock()
}

// Run flushes on a ticker until Close is called.
func (c *DownloadCounter) Run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-c.stop:
			c.Flush(context.Background())
			return
		}
	}
}

// Flush writes all pending counts to the store. Failed writes are
// re-queued for the next flush.
func (c *DownloadCounter) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[downloadKey]int64)
	c.mu.Unlock()

	for key, n := range batch {
		if err := c.store.AddDownloads(ctx, key.name, key.version, n); err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"package": key.name,
				"version": key.version,
			}).Error("flush download counts failed, re-queueing")
			c.mu.Lock()
			c.pending[key] += n
			c.mu.Unlock()
		}
	}
}

// Close stops the flush loop after one final flush. Safe to call more
// than once.
func (c *DownloadCounter) Close() {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
	})
}
