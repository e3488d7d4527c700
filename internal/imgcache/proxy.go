package imgcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrNotInstalled   = errors.New("imgcache: proxy is not installed")
	ErrNotActive      = errors.New("imgcache: proxy is not active")
	ErrUnknownSyncTag = errors.New("imgcache: unknown sync tag")
)

// State is the proxy lifecycle: installing → waiting → active.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Options struct {
	Logger *zap.Logger

	// Fetcher defaults to an origin fetcher for cfg.Server.Origin.
	Fetcher Fetcher

	// Registerer receives the proxy metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Proxy answers image requests from a versioned cache generation and passes
// every other request through to the origin.
type Proxy struct {
	cfg      Config
	log      *zap.Logger
	store    Storage
	fetch    Fetcher
	classify classifier

	lifecycleMu sync.Mutex
	state       atomic.Int32

	metrics  *metrics
	stats    *statsCollector
	quotaLog *rateLimitedLogger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewProxy wires a proxy around store. cfg must come from LoadConfig or
// ParseConfig. The proxy starts in StateInstalling; call Install.
func NewProxy(cfg Config, store Storage, opts Options) (*Proxy, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Cache.General == "" || cfg.Cache.Images == "" || cfg.Lifecycle.SkipWaiting == nil {
		return nil, errors.New("config is not finalized, load it with LoadConfig or ParseConfig")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fetch := opts.Fetcher
	if fetch == nil {
		if cfg.Server.Origin == "" {
			return nil, errors.New("server.origin is required")
		}
		fetch = NewOriginFetcher(cfg.Server.Origin, cfg.Server.fetchTimeoutDur)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	p := &Proxy{
		cfg:      cfg,
		log:      log,
		store:    store,
		fetch:    fetch,
		classify: newClassifier(cfg.Images.Extensions, cfg.Images.AcceptHeader),
		metrics:  newMetrics(opts.Registerer),
		stats:    newStatsCollector(),
		quotaLog: newRateLimitedLogger(log, time.Minute),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	p.state.Store(int32(StateInstalling))

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.statsLoop(every)
		}()
	}

	if every := cfg.Sync.everyDur; every > 0 {
		log.Info("periodic resync enabled", zap.Duration("every", every), zap.String("tag", cfg.Sync.Tag))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.syncLoop(every)
		}()
	}

	return p, nil
}

// Close stops the background loops. The storage stays open; its owner closes it.
func (p *Proxy) Close() {
	p.bgCancel()
	p.wg.Wait()
	if c, ok := p.fetch.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Install moves the proxy to StateWaiting. With lifecycle.skipWaiting it
// activates immediately instead of waiting for an explicit Activate.
func (p *Proxy) Install(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.State() == StateInstalling {
		p.state.Store(int32(StateWaiting))
		p.log.Info("proxy installed",
			zap.String("general", p.cfg.Cache.General),
			zap.String("images", p.cfg.Cache.Images),
		)
	}
	p.lifecycleMu.Unlock()

	if *p.cfg.Lifecycle.SkipWaiting {
		return p.Activate(ctx)
	}
	p.log.Info("waiting for activation")
	return nil
}

// Activate deletes every generation that is neither the general nor the
// image generation, then opens both. The proxy becomes active only after
// cleanup finished; on error it stays where it was.
func (p *Proxy) Activate(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.State() == StateInstalling {
		return fmt.Errorf("activate: %w", ErrNotInstalled)
	}

	current := p.cfg.CurrentGenerations()
	deleted, err := PruneGenerations(ctx, p.store, current...)
	p.metrics.generationsDeleted.Add(float64(len(deleted)))
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, name := range current {
		if _, err := p.store.Open(ctx, name); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}

	p.state.Store(int32(StateActive))
	p.log.Info("proxy activated", zap.Strings("deleted_generations", deleted))
	return nil
}

// Handle answers one request. It never fails: network errors become a
// placeholder for images and a 502 for everything else.
func (p *Proxy) Handle(ctx context.Context, r *http.Request) (Entry, Disposition) {
	if p.State() != StateActive || !p.classify.IsImage(r) {
		return p.passthrough(ctx, r)
	}
	return p.intercept(ctx, r)
}

func (p *Proxy) passthrough(ctx context.Context, r *http.Request) (Entry, Disposition) {
	ent, err := p.fetch.Fetch(ctx, r)
	if err != nil {
		p.log.Warn("origin fetch failed",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.Error(err),
		)
		return badGatewayEntry(), DispositionBadGateway
	}
	return ent, DispositionBypass
}

func (p *Proxy) intercept(ctx context.Context, r *http.Request) (Entry, Disposition) {
	key := RequestKey(r.Method, r.URL.RequestURI())

	gen, err := p.store.Open(ctx, p.cfg.Cache.Images)
	if err != nil {
		p.log.Warn("open image generation failed", zap.String("key", key), zap.Error(err))
	} else {
		ent, err := gen.Match(ctx, key)
		if err == nil {
			return ent, DispositionHit
		}
		if !errors.Is(err, ErrNotFound) {
			p.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
	}

	ent, err := p.fetch.Fetch(ctx, r)
	if err != nil {
		p.log.Debug("image fetch failed, serving placeholder", zap.String("key", key), zap.Error(err))
		return placeholderEntry(), DispositionPlaceholder
	}
	if ent.Status != http.StatusOK {
		return ent, DispositionIgnoreByStatus
	}

	ent = stamp(ent)
	if gen != nil {
		// a failed write still answers the caller
		_ = p.put(ctx, gen, key, ent.clone())
	}
	return ent, DispositionMiss
}

func stamp(ent Entry) Entry {
	ent.StoredAt = time.Now().Unix()
	ent.Hash = xxhash.Sum64(ent.Body)
	return ent
}

func (p *Proxy) put(ctx context.Context, gen Generation, key string, ent Entry) error {
	err := gen.Put(ctx, key, ent)
	if err == nil {
		return nil
	}
	p.metrics.storeErrors.Inc()
	if errors.Is(err, ErrQuotaExceeded) {
		p.quotaLog.Warn("storage quota exceeded, entry not cached",
			zap.String("generation", gen.Name()),
			zap.String("key", key),
			zap.Int("bytes", len(ent.Body)),
		)
		return err
	}
	p.log.Warn("cache write failed", zap.String("generation", gen.Name()), zap.String("key", key), zap.Error(err))
	return err
}

// AdminPrefix is the path prefix the proxy answers itself instead of
// forwarding to the origin.
const AdminPrefix = "/_imgcache/"

// Handler serves the admin endpoints under AdminPrefix and proxies the rest.
// Proxied paths reach the origin exactly as requested, "//" and "/./"
// included; ServeMux only routes the admin endpoints.
func (p *Proxy) Handler() http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("GET "+AdminPrefix+"health", p.handleHealth)
	admin.HandleFunc("GET "+AdminPrefix+"generations", p.handleGenerations)
	admin.HandleFunc("POST "+AdminPrefix+"activate", p.handleActivate)
	admin.HandleFunc("POST "+AdminPrefix+"sync", p.handleSync)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, AdminPrefix) {
			admin.ServeHTTP(w, r)
			return
		}
		p.handle(w, r)
	})
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	ent, d := p.Handle(r.Context(), r)
	writeEntry(w, ent, d)

	p.metrics.requests.WithLabelValues(string(d)).Inc()
	p.stats.Observe(d, len(ent.Body))
	p.log.Debug("request",
		zap.String("method", r.Method),
		zap.String("uri", r.URL.RequestURI()),
		zap.Int("status", ent.Status),
		zap.String("disposition", string(d)),
	)
}

// dispositionHeader tells clients how the proxy answered. It replaces any
// value the origin sent.
const dispositionHeader = "X-Imgcache"

func writeEntry(w http.ResponseWriter, ent Entry, d Disposition) {
	h := w.Header()
	for k, vs := range ent.Header {
		h[k] = append(h[k], vs...)
	}
	h.Set(dispositionHeader, string(d))
	exposeHeader(h, dispositionHeader)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

// exposeHeader lists name in Access-Control-Expose-Headers so page scripts
// on other origins can read it. Existing entries are kept and folded into
// one value.
func exposeHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	var names []string
	for _, v := range h.Values(expose) {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	if slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, name) }) {
		return
	}
	h.Set(expose, strings.Join(append(names, name), ", "))
}

func (p *Proxy) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.bgCtx.Done():
			return
		case <-t.C:
			p.logStats()
		}
	}
}

func (p *Proxy) logStats() {
	ss := p.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("placeholders", ss.Placeholders),
		zap.String("hit_ratio", fmt.Sprintf("%.2f", ss.HitRatio())),
		zap.String("body_min_avg_max", formatBytes(ss.MinBody)+"/"+formatBytes(ss.AvgBody)+"/"+formatBytes(ss.MaxBody)),
	}
	if gen, err := p.store.Open(p.bgCtx, p.cfg.Cache.Images); err == nil {
		if keys, err := gen.Keys(p.bgCtx); err == nil {
			fields = append(fields, zap.Int("cached_images", len(keys)))
		}
	}
	if sz, ok := p.store.(sizer); ok {
		fields = append(fields, zap.String("storage", formatBytes(uint64(sz.TotalSize()))))
	}
	if mem, ok := residentBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(mem)))
	}
	p.log.Info("cache stats", fields...)
}
