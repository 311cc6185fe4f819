package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	routerules "github.com/always-cache/swcache/pkg/route-rules"
	"github.com/always-cache/swcache/rfc9211"
)

// cacheName identifies this cache in Cache-Status header members.
const cacheName = "swcache"

// StrategyHeader names the strategy that produced a response.
const StrategyHeader = "X-Swcache-Strategy"

var (
	ErrNotActivated    = errors.New("worker is not activated")
	ErrNoWaitingWorker = errors.New("no worker is waiting")
)

type Options struct {
	// Storage for cache partitions. A new in-memory registry is used if nil.
	Registry cache.Registry
	// Network behind the cache. An http.Client based network is used if nil.
	Network Network
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is one version of the cache manager.
// It is created by NewWorker, filled by Install and starts intercepting after Activate.
type Worker struct {
	env        *Environment
	registry   cache.Registry
	network    Network
	log        zerolog.Logger
	strategies map[string]Strategy

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	claimed     bool

	partitionsMu sync.Mutex
	partitions   map[string]cache.Partition

	tasks sync.WaitGroup
}

// NewWorker creates a worker for the environment in the Registering state.
func NewWorker(env *Environment, opts Options) *Worker {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("version", env.Version()).
		Logger()

	w := &Worker{
		env:        env,
		registry:   opts.Registry,
		network:    opts.Network,
		log:        logger,
		state:      StateRegistering,
		partitions: make(map[string]cache.Partition),
	}
	if w.registry == nil {
		w.registry = cache.NewMemRegistry()
	}
	if w.network == nil {
		w.network = NewClientNetwork(0, "")
	}
	w.strategies = map[string]Strategy{
		routerules.NetworkFirst:         networkFirst{w},
		routerules.CacheFirst:           cacheFirst{w},
		routerules.StaleWhileRevalidate: staleWhileRevalidate{w},
	}
	return w
}

func (w *Worker) Environment() *Environment {
	return w.env
}

// Registry returns the storage the worker writes to.
func (w *Worker) Registry() cache.Registry {
	return w.registry
}

// Controlling reports whether the worker intercepts requests.
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.claimed && w.state != StateRedundant
}

// Handle answers a request the way the worker's fetch handler would.
// Requests are passed to the network untouched while the worker is not controlling,
// and when they are not eligible for caching.
// The returned response is exactly what the strategy produced.
func (w *Worker) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := w.handle(ctx, r)
	return res, err
}

func (w *Worker) handle(ctx context.Context, r *http.Request) (*http.Response, *Event, error) {
	ev := &Event{
		Request: r,
		Route:   routerules.FromHTTP(r),
		Status:  rfc9211.CacheStatus{Name: cacheName},
		log:     w.log,
	}
	if !w.Controlling() {
		ev.Status.Forward(rfc9211.FwdReasonBypass)
		ev.Status.Detail = "not-controlling"
		return w.passthrough(ctx, ev)
	}

	rt := w.classify(ev.Route)
	if rt.strategy == nil {
		ev.Status.Forward(rt.bypass)
		return w.passthrough(ctx, ev)
	}
	key, err := cachekey.Key(r)
	if err != nil {
		ev.Status.Forward(rfc9211.FwdReasonMethod)
		return w.passthrough(ctx, ev)
	}
	ev.Key = key
	ev.Partition = rt.partition
	ev.Strategy = rt.strategy.Name()
	ev.log = w.log.With().
		Str("strategy", ev.Strategy).
		Str("rule", rt.rule).
		Str("key", key).
		Logger()

	res, err := rt.strategy.Handle(ctx, ev)
	if err != nil {
		ev.source = sourceError
	}
	StrategyResponses.WithLabelValues(ev.Strategy, ev.source).Inc()
	if res != nil && res.Request == nil {
		res.Request = r
	}
	return res, ev, err
}

func (w *Worker) passthrough(ctx context.Context, ev *Event) (*http.Response, *Event, error) {
	ev.source = sourcePassthrough
	ev.log.Trace().Str("url", ev.Request.URL.String()).Msg("Passing request through")
	res, err := w.network.Fetch(ctx, ev.Request)
	if err != nil {
		ev.source = sourceError
	} else {
		ev.Status.FwdStatus = res.StatusCode
	}
	StrategyResponses.WithLabelValues("none", ev.source).Inc()
	return res, ev, err
}

// ServeHTTP implements the http.Handler interface.
// Requests in origin form are directed to the worker's origin.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		// escape hatch: a panic in a strategy must not take the server down
		if rec := recover(); rec != nil {
			w.log.Error().Interface("panic", rec).Str("url", r.URL.String()).Msg("Recovered from panic")
			http.Error(rw, "Could not get response", http.StatusBadGateway)
		}
	}()

	req := w.originRequest(r)
	res, ev, err := w.handle(req.Context(), req)
	if err != nil {
		ev.log.Warn().Err(err).Str("url", req.URL.String()).Msg("No response available")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		w.logRequest(r, ev, http.StatusBadGateway, time.Since(start))
		return
	}
	w.send(rw, res, ev)
	w.logRequest(r, ev, res.StatusCode, time.Since(start))
}

// originRequest rewrites an incoming server request into a fetch against the origin.
// Absolute-form requests keep their target, so the worker can act as a forward proxy.
func (w *Worker) originRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !req.URL.IsAbs() {
		scope := w.env.Scope()
		req.URL.Scheme = scope.Scheme
		req.URL.Host = scope.Host
	}
	req.Host = req.URL.Host
	return req
}

func (w *Worker) send(rw http.ResponseWriter, res *http.Response, ev *Event) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", ev.Status.String())
	if ev.Strategy != "" {
		rw.Header().Set(StrategyHeader, ev.Strategy)
	}
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		ev.log.Error().Err(err).Msg("Could not write response body to client")
	}
	ev.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (w *Worker) logRequest(r *http.Request, ev *Event, status int, took time.Duration) {
	isHit := 0
	if ev.Status.Status == rfc9211.StatusHit {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("strategy", ev.Strategy).
		Str("source", ev.source).
		Str("cacheStatus", string(ev.Status.Status)).
		Str("fwd", string(ev.Status.FwdReason)).
		Bool("stored", ev.Status.Stored).
		Int("status", status).
		Int("hit", isHit).
		Dur("took", took).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

// partition opens the named partition once and keeps the handle.
func (w *Worker) partition(ctx context.Context, name string) (cache.Partition, error) {
	w.partitionsMu.Lock()
	defer w.partitionsMu.Unlock()
	if p, ok := w.partitions[name]; ok {
		return p, nil
	}
	p, err := w.registry.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	w.partitions[name] = p
	return p, nil
}

// goBackground runs fn outside the request, like a waitUntil promise.
// fn gets a context that is not cancelled with ctx, bounded by timeout if it is positive.
func (w *Worker) goBackground(ctx context.Context, timeout time.Duration, fn func(ctx context.Context)) {
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		bg := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			bg, cancel = context.WithTimeout(bg, timeout)
			defer cancel()
		}
		fn(bg)
	}()
}

// Wait blocks until all background cache writes and refreshes have finished.
func (w *Worker) Wait() {
	w.tasks.Wait()
}

// Close waits for background work and marks the worker redundant.
func (w *Worker) Close() {
	w.setState(StateRedundant)
	w.Wait()
}

// PartitionInfo describes one partition in the registry.
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Partitions lists every partition in the registry, marking the ones of this version.
func (w *Worker) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := w.registry.Names(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool)
	for _, name := range w.env.CurrentPartitions() {
		current[name] = true
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		p, err := w.registry.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		infos = append(infos, PartitionInfo{Name: name, Entries: len(keys), Current: current[name]})
	}
	return infos, nil
}
