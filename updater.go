package swcache

import (
	"context"
	"errors"
	"fmt"

	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

// revalidate refreshes the entry of a stale-while-revalidate hit in the background.
// The refresh is bounded by the refresh timeout; its errors are logged and dropped.
func (w *Worker) revalidate(ctx context.Context, ev *Event) {
	partition, key, log := ev.Partition, ev.Key, ev.log
	req := ev.Request
	w.goBackground(ctx, w.env.refreshTimeout, func(ctx context.Context) {
		log.Trace().Msg("Revalidating stored response")
		res, requestedAt, err := w.fetch(ctx, wholeRequest(ctx, req), 0)
		if err != nil {
			BackgroundRefreshes.WithLabelValues("error").Inc()
			log.Debug().Err(err).Msg("Background refresh failed")
			return
		}
		defer res.Body.Close()
		if !serializer.Storable(res.StatusCode) {
			BackgroundRefreshes.WithLabelValues("skipped").Inc()
			log.Debug().Int("status", res.StatusCode).Msg("Background refresh not stored")
			return
		}
		if _, err := w.store(ctx, partition, key, res, requestedAt); err != nil {
			BackgroundRefreshes.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("Could not write refreshed response")
			return
		}
		BackgroundRefreshes.WithLabelValues("ok").Inc()
	})
}

// RefreshPartition fetches every entry of the partition again and overwrites it.
// Entries that fail to load are kept as they are. It returns the number of refreshed entries.
func (w *Worker) RefreshPartition(ctx context.Context, name string) (int, error) {
	p, err := w.partition(ctx, name)
	if err != nil {
		return 0, err
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", name, err)
	}
	refreshed := 0
	var errs []error
	for _, key := range keys {
		if key == offlineKey(w.env) {
			continue
		}
		ok, err := w.refreshEntry(ctx, name, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, errors.Join(errs...)
}

// RefreshAll refreshes every partition of the worker's version.
func (w *Worker) RefreshAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, name := range w.env.CurrentPartitions() {
		n, err := w.RefreshPartition(ctx, name)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// refreshEntry updates the stored response identified by the given key.
func (w *Worker) refreshEntry(ctx context.Context, partition, key string) (bool, error) {
	req, err := cachekey.RequestFromKey(key)
	if errors.Is(err, cachekey.ErrMethodNotSupported) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	req = req.WithContext(ctx)
	w.log.Debug().
		Str("url", req.URL.String()).
		Str("partition", partition).
		Msg("Requesting content from origin")
	res, requestedAt, err := w.fetch(ctx, req, w.env.refreshTimeout)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return w.store(ctx, partition, key, res, requestedAt)
}
