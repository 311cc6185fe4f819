package swcache

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/swcache/cache"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
	routerules "github.com/always-cache/swcache/pkg/route-rules"
	"github.com/always-cache/swcache/rfc9211"
)

// Event is a single intercepted fetch on its way through a strategy.
type Event struct {
	Request *http.Request
	Route   routerules.Request
	// Key is the cache key of the request.
	Key string
	// Partition is the name of the partition the strategy writes to and searches first.
	Partition string
	Strategy  string
	// Status describes how the response was produced.
	Status rfc9211.CacheStatus

	source string
	log    zerolog.Logger
}

// Strategy decides whether the network or the cache answers a request,
// and what happens when one of them fails.
// Handle returns an error only when no fallback applies; the error is the network error.
type Strategy interface {
	Name() string
	Handle(ctx context.Context, ev *Event) (*http.Response, error)
}

// networkFirst prefers fresh responses: network, then cache, then the offline document.
type networkFirst struct {
	w *Worker
}

func (s networkFirst) Name() string {
	return routerules.NetworkFirst
}

func (s networkFirst) Handle(ctx context.Context, ev *Event) (*http.Response, error) {
	res, requestedAt, err := s.w.fetch(ctx, unconditional(ev.Request), s.w.env.networkTimeout)
	if err == nil {
		ev.source = sourceNetwork
		ev.Status.Forward(rfc9211.FwdReasonRequest)
		ev.Status.FwdStatus = res.StatusCode
		if serializer.Storable(res.StatusCode) {
			ev.Status.Stored = s.w.storeInBackground(ctx, ev, res, requestedAt)
		}
		return res, nil
	}

	ev.log.Debug().Err(err).Msg("Network failed, trying cache")
	if snapshot, ok := s.w.lookup(ctx, ev); ok {
		ev.source = sourceCache
		ev.Status.Hit()
		ev.Status.Detail = "network-error"
		return snapshot.Response(ev.Request), nil
	}
	if ev.Route.AcceptsHTML() {
		ev.source = sourceOffline
		ev.Status.Forward(rfc9211.FwdReasonMiss)
		ev.Status.Detail = "offline"
		return s.w.offlineResponse(ctx, ev), nil
	}
	return nil, err
}

// cacheFirst answers from the cache and only goes to the network on a miss.
type cacheFirst struct {
	w *Worker
}

func (s cacheFirst) Name() string {
	return routerules.CacheFirst
}

func (s cacheFirst) Handle(ctx context.Context, ev *Event) (*http.Response, error) {
	if snapshot, ok := s.w.lookup(ctx, ev); ok {
		ev.source = sourceCache
		ev.Status.Hit()
		return snapshot.Response(ev.Request), nil
	}

	res, requestedAt, err := s.w.fetch(ctx, unconditional(ev.Request), s.w.env.networkTimeout)
	if err != nil {
		if ev.Route.Destination == "image" {
			ev.log.Debug().Err(err).Msg("Image unavailable, serving placeholder")
			ev.source = sourcePlaceholder
			ev.Status.Forward(rfc9211.FwdReasonUriMiss)
			ev.Status.Detail = "placeholder"
			return placeholderSnapshot(ev.Request.URL.String()).Response(ev.Request), nil
		}
		return nil, err
	}
	ev.source = sourceNetwork
	ev.Status.Forward(rfc9211.FwdReasonUriMiss)
	ev.Status.FwdStatus = res.StatusCode
	// only our own origin's successful responses are kept
	if serializer.Storable(res.StatusCode) && s.w.responseType(res) == serializer.TypeBasic {
		ev.Status.Stored = s.w.storeInBackground(ctx, ev, res, requestedAt)
	}
	return res, nil
}

// staleWhileRevalidate answers from the cache at once and refreshes the entry in the background.
type staleWhileRevalidate struct {
	w *Worker
}

func (s staleWhileRevalidate) Name() string {
	return routerules.StaleWhileRevalidate
}

func (s staleWhileRevalidate) Handle(ctx context.Context, ev *Event) (*http.Response, error) {
	if snapshot, ok := s.w.lookup(ctx, ev); ok {
		ev.source = sourceCache
		ev.Status.Hit()
		s.w.revalidate(ctx, ev)
		return snapshot.Response(ev.Request), nil
	}

	res, requestedAt, err := s.w.fetch(ctx, unconditional(ev.Request), s.w.env.networkTimeout)
	if err != nil {
		return nil, err
	}
	ev.source = sourceNetwork
	ev.Status.Forward(rfc9211.FwdReasonUriMiss)
	ev.Status.FwdStatus = res.StatusCode
	if serializer.Storable(res.StatusCode) {
		clone, err := serializer.Clone(res)
		if err != nil {
			ev.log.Error().Err(err).Msg("Could not clone response")
			return res, nil
		}
		stored, err := s.w.store(ctx, ev.Partition, ev.Key, clone, requestedAt)
		if err != nil {
			ev.log.Error().Err(err).Msg("Could not write to cache")
		}
		ev.Status.Stored = stored
	}
	return res, nil
}

// fetch performs a network request and buffers the body.
// A zero timeout leaves the request unbounded.
func (w *Worker) fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, time.Time, error) {
	requestedAt := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, requestedAt, err
	}
	if res.Request == nil {
		res.Request = req
	}
	// read the body before the timeout context goes away
	if err := serializer.Buffer(res); err != nil {
		return nil, requestedAt, err
	}
	return res, requestedAt, nil
}

// lookup searches the event's partition first and then the other partitions of this version.
// Read errors are logged and count as misses.
func (w *Worker) lookup(ctx context.Context, ev *Event) (serializer.Snapshot, bool) {
	names := []string{ev.Partition}
	for _, name := range w.env.CurrentPartitions() {
		if name != ev.Partition {
			names = append(names, name)
		}
	}
	for _, name := range names {
		p, err := w.partition(ctx, name)
		if err != nil {
			ev.log.Error().Err(err).Str("partition", name).Msg("Could not open partition")
			continue
		}
		entry, ok, err := p.Match(ctx, ev.Key)
		if err != nil {
			ev.log.Warn().Err(err).Str("partition", name).Msg("Could not read from cache")
			continue
		}
		if !ok {
			continue
		}
		snapshot, err := serializer.Decode(entry.Bytes)
		if err != nil {
			// in case we have a corrupted cache entry, we delete it and carry on
			ev.log.Error().Err(err).Str("partition", name).Msg("Corrupted cache entry")
			p.Delete(ctx, ev.Key)
			continue
		}
		ev.log.Trace().Str("partition", name).Msg("Cache hit")
		return snapshot, true
	}
	return serializer.Snapshot{}, false
}

// store writes a successful response into the named partition.
// Responses without a 2xx status and partial content are skipped. The response body is read and set back.
func (w *Worker) store(ctx context.Context, partition, key string, res *http.Response, requestedAt time.Time) (bool, error) {
	if !serializer.Storable(res.StatusCode) {
		CacheWrites.WithLabelValues(partition, "skipped").Inc()
		return false, nil
	}
	snapshot, err := serializer.FromResponse(res, w.responseType(res), requestedAt, time.Now())
	if err != nil {
		CacheWrites.WithLabelValues(partition, "error").Inc()
		return false, err
	}
	return w.putSnapshot(ctx, partition, key, snapshot)
}

func (w *Worker) putSnapshot(ctx context.Context, partition, key string, snapshot serializer.Snapshot) (bool, error) {
	bytes, err := serializer.Encode(snapshot)
	if err != nil {
		CacheWrites.WithLabelValues(partition, "error").Inc()
		return false, err
	}
	p, err := w.partition(ctx, partition)
	if err != nil {
		CacheWrites.WithLabelValues(partition, "error").Inc()
		return false, err
	}
	err = p.Put(ctx, cache.CacheEntry{
		Key:         key,
		RequestedAt: snapshot.RequestTime,
		ReceivedAt:  snapshot.ResponseTime,
		Bytes:       bytes,
	})
	if err != nil {
		CacheWrites.WithLabelValues(partition, "error").Inc()
		return false, err
	}
	CacheWrites.WithLabelValues(partition, "ok").Inc()
	w.log.Trace().Str("partition", partition).Str("key", key).Msg("Cache write")
	return true, nil
}

// storeInBackground clones the response and writes the clone without blocking the caller.
// The clone is taken before returning, so the caller may read res right away.
// Write errors are logged and otherwise ignored.
func (w *Worker) storeInBackground(ctx context.Context, ev *Event, res *http.Response, requestedAt time.Time) bool {
	clone, err := serializer.Clone(res)
	if err != nil {
		ev.log.Error().Err(err).Msg("Could not clone response")
		return false
	}
	partition, key, log := ev.Partition, ev.Key, ev.log
	w.goBackground(ctx, 0, func(ctx context.Context) {
		if _, err := w.store(ctx, partition, key, clone, requestedAt); err != nil {
			log.Error().Err(err).Msg("Could not write to cache")
		}
	})
	return true
}

// offlineResponse returns the stored offline document, or builds it if it is missing.
func (w *Worker) offlineResponse(ctx context.Context, ev *Event) *http.Response {
	offlineURL := w.env.OfflineURL()
	key := offlineKey(w.env)
	if p, err := w.partition(ctx, w.env.Partition(routerules.RoleStatic)); err == nil {
		if entry, ok, err := p.Match(ctx, key); err == nil && ok {
			if snapshot, err := serializer.Decode(entry.Bytes); err == nil {
				return snapshot.Response(ev.Request)
			}
		}
	}
	ev.log.Warn().Str("url", offlineURL.String()).Msg("Offline document missing from cache, building it")
	return offlineSnapshot(w.env).Response(ev.Request)
}

// responseType tells responses from the worker's origin apart from other origins.
func (w *Worker) responseType(res *http.Response) string {
	if res.Request != nil && w.env.SameOrigin(res.Request.URL) {
		return serializer.TypeBasic
	}
	return serializer.TypeCORS
}
