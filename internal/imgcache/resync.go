package imgcache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SyncReport struct {
	ID        string `json:"id"`
	Tag       string `json:"tag"`
	Total     int    `json:"total"`
	Refreshed int    `json:"refreshed"`
	Unchanged int    `json:"unchanged"`
	Failed    int    `json:"failed"`
}

type resyncResult int

const (
	resyncRefreshed resyncResult = iota
	resyncUnchanged
	resyncFailed
)

func (r resyncResult) String() string {
	switch r {
	case resyncRefreshed:
		return "refreshed"
	case resyncUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// Resync re-fetches every cached image when tag matches sync.tag. Each key
// runs in its own goroutine with no cap. A 200 overwrites the entry; any
// failure keeps the cached one. Per-key failures are counted in the report,
// never returned.
//
// A request that populates the same key while resync runs races with it;
// whichever Put lands last wins.
func (p *Proxy) Resync(ctx context.Context, tag string) (SyncReport, error) {
	if tag != p.cfg.Sync.Tag {
		return SyncReport{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	if p.State() != StateActive {
		return SyncReport{}, ErrNotActive
	}

	gen, err := p.store.Open(ctx, p.cfg.Cache.Images)
	if err != nil {
		return SyncReport{}, fmt.Errorf("resync: %w", err)
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("resync: %w", err)
	}

	report := SyncReport{ID: uuid.NewString(), Tag: tag, Total: len(keys)}
	log := p.log.With(zap.String("sync_id", report.ID), zap.String("generation", gen.Name()))
	started := time.Now()

	var refreshed, unchanged, failed atomic.Int64
	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			res := p.resyncKey(ctx, gen, key, log)
			p.metrics.resync.WithLabelValues(res.String()).Inc()
			switch res {
			case resyncRefreshed:
				refreshed.Add(1)
			case resyncUnchanged:
				unchanged.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Refreshed = int(refreshed.Load())
	report.Unchanged = int(unchanged.Load())
	report.Failed = int(failed.Load())
	log.Info("resync finished",
		zap.Int("total", report.Total),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(started)),
	)
	return report, nil
}

func (p *Proxy) resyncKey(ctx context.Context, gen Generation, key string, log *zap.Logger) resyncResult {
	method, uri, ok := splitRequestKey(key)
	if !ok {
		log.Warn("resync: malformed cache key", zap.String("key", key))
		return resyncFailed
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		log.Warn("resync: build request", zap.String("key", key), zap.Error(err))
		return resyncFailed
	}

	fresh, err := p.fetch.Fetch(ctx, req)
	if err != nil {
		log.Debug("resync: fetch failed, keeping cached entry", zap.String("key", key), zap.Error(err))
		return resyncFailed
	}
	if fresh.Status != http.StatusOK {
		log.Debug("resync: unexpected status, keeping cached entry",
			zap.String("key", key),
			zap.Int("status", fresh.Status),
		)
		return resyncFailed
	}

	fresh = stamp(fresh)
	if cur, err := gen.Match(ctx, key); err == nil && cur.Status == fresh.Status && cur.Hash == fresh.Hash {
		return resyncUnchanged
	}
	if err := p.put(ctx, gen, key, fresh); err != nil {
		return resyncFailed
	}
	return resyncRefreshed
}

func (p *Proxy) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.bgCtx.Done():
			return
		case <-t.C:
			if p.State() != StateActive {
				continue
			}
			if _, err := p.Resync(p.bgCtx, p.cfg.Sync.Tag); err != nil {
				p.log.Warn("periodic resync failed", zap.Error(err))
			}
		}
	}
}
