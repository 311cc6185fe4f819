package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
	routerules "github.com/always-cache/swcache/pkg/route-rules"
)

type State int

const (
	StateRegistering State = iota
	StateInstalling
	// StateInstalled is the waiting state between install and activation.
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant marks a worker that failed to install or was replaced.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// installConcurrency bounds parallel asset fetches per install step.
const installConcurrency = 4

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log.Trace().Stringer("from", w.state).Stringer("to", s).Msg("State change")
	w.state = s
}

// transition moves to the target state if the worker is in one of the given states.
func (w *Worker) transition(to State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.log.Trace().Stringer("from", w.state).Stringer("to", to).Msg("State change")
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("cannot move from %s to %s", w.state, to)
}

// SkipsWaiting reports whether the worker asked to be activated right after install.
func (w *Worker) SkipsWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// InstallReport lists what Install stored and what failed, by URL.
type InstallReport struct {
	Version        string            `json:"version"`
	Stored         []string          `json:"stored"`
	Failed         map[string]string `json:"failed,omitempty"`
	OfflineCreated bool              `json:"offlineCreated"`
}

type installRecorder struct {
	mu     sync.Mutex
	report InstallReport
	log    zerolog.Logger
}

func (r *installRecorder) record(asset string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		InstallAssets.WithLabelValues("failed").Inc()
		r.log.Warn().Err(err).Str("asset", asset).Msg("Could not pre-cache asset")
		if r.report.Failed == nil {
			r.report.Failed = make(map[string]string)
		}
		r.report.Failed[asset] = err.Error()
		return
	}
	InstallAssets.WithLabelValues("stored").Inc()
	r.report.Stored = append(r.report.Stored, asset)
}

// Install pre-caches the static shell, the immutable assets and the offline document.
// Assets that fail to load are recorded in the report and do not fail the install.
// An error is returned only if a partition cannot be opened or the offline document
// cannot be stored; the worker is then redundant.
// Installing the same version again overwrites the same keys.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition(StateInstalling, StateRegistering, StateInstalled); err != nil {
		return InstallReport{}, err
	}
	w.log.Info().Msg("Installing")

	rec := &installRecorder{
		report: InstallReport{Version: w.env.Version()},
		log:    w.log,
	}

	// no shared context: a failed step must not cancel the others
	var g errgroup.Group
	g.Go(func() error {
		w.mu.Lock()
		w.skipWaiting = true
		w.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		return w.precache(ctx, routerules.RoleStatic, w.env.StaticAssets(), true, 0, rec)
	})
	g.Go(func() error {
		return w.precache(ctx, routerules.RoleFonts, w.env.ImmutableAssets(), false, w.env.refreshTimeout, rec)
	})
	g.Go(func() error {
		created, err := w.ensureOffline(ctx)
		rec.mu.Lock()
		rec.report.OfflineCreated = created
		rec.mu.Unlock()
		return err
	})
	err := g.Wait()

	report := rec.report
	sort.Strings(report.Stored)
	if err != nil {
		w.setState(StateRedundant)
		w.log.Error().Err(err).Msg("Install failed")
		return report, err
	}
	w.setState(StateInstalled)
	w.log.Info().
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("Installed")
	return report, nil
}

// precache fetches the assets into the partition of the role.
// With bust set the fetch URL carries the version as a query parameter; the entry is
// always stored under the plain URL.
func (w *Worker) precache(ctx context.Context, role string, assets []*url.URL, bust bool, timeout time.Duration, rec *installRecorder) error {
	name := w.env.Partition(role)
	if _, err := w.partition(ctx, name); err != nil {
		return err
	}
	offline := offlineKey(w.env)

	var g errgroup.Group
	g.SetLimit(installConcurrency)
	for _, asset := range assets {
		key := cachekey.URLKey(asset)
		// the offline document is built, never fetched
		if key == offline {
			continue
		}
		g.Go(func() error {
			rec.record(asset.String(), w.precacheOne(ctx, name, key, asset, bust, timeout))
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) precacheOne(ctx context.Context, partition, key string, asset *url.URL, bust bool, timeout time.Duration) error {
	fetchURL := *asset
	if bust {
		q := fetchURL.Query()
		q.Set("v", w.env.Version())
		fetchURL.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL.String(), nil)
	if err != nil {
		return err
	}
	res, requestedAt, err := w.fetch(ctx, req, timeout)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !serializer.Storable(res.StatusCode) {
		return fmt.Errorf("fetch %s: status %d", fetchURL.String(), res.StatusCode)
	}
	// store under the plain URL
	res.Request = &http.Request{Method: http.MethodGet, URL: asset, Header: make(http.Header)}
	_, err = w.store(ctx, partition, key, res, requestedAt)
	return err
}

// ensureOffline stores the offline document unless the static partition already has it.
func (w *Worker) ensureOffline(ctx context.Context) (bool, error) {
	name := w.env.Partition(routerules.RoleStatic)
	p, err := w.partition(ctx, name)
	if err != nil {
		return false, err
	}
	key := offlineKey(w.env)
	if _, ok, err := p.Match(ctx, key); err != nil {
		return false, fmt.Errorf("look up offline document: %w", err)
	} else if ok {
		return false, nil
	}
	if _, err := w.putSnapshot(ctx, name, key, offlineSnapshot(w.env)); err != nil {
		return false, fmt.Errorf("store offline document: %w", err)
	}
	return true, nil
}

// Activate claims the clients and deletes the partitions of other versions.
// It returns the names of the deleted partitions.
// Eviction failures are returned but leave the worker activated.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.claimed = true
	w.mu.Unlock()

	deleted, err := cache.Evict(ctx, w.registry, w.env.CurrentPartitions(), w.env.ManagedPrefixes())
	PartitionsEvicted.Add(float64(len(deleted)))
	for _, name := range deleted {
		w.log.Info().Str("partition", name).Msg("Deleted old cache")
	}
	w.setState(StateActivated)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not delete all old caches")
		return deleted, err
	}
	w.log.Info().Msg("Activated")
	return deleted, nil
}

// Registration holds the active worker of a scope and replaces it on new versions.
type Registration struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewRegistration(opts Options) *Registration {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Registry == nil {
		opts.Registry = cache.NewMemRegistry()
	}
	return &Registration{opts: opts, log: logger}
}

// Register installs a worker for env and, as it skips waiting, activates it at once.
// The previous worker becomes redundant once its background work is done.
// Registering the version that is already active returns the active worker.
func (r *Registration) Register(ctx context.Context, env *Environment) (*Worker, InstallReport, error) {
	w, report, err := r.Install(ctx, env)
	if err != nil || w == r.Active() {
		return w, report, err
	}
	if w.SkipsWaiting() {
		if _, err := r.activate(ctx, w); err != nil {
			return w, report, err
		}
	}
	return w, report, nil
}

// Install installs a worker for env and keeps it waiting.
// A worker that was already waiting becomes redundant.
// The active worker keeps serving while the new one fills its partitions.
func (r *Registration) Install(ctx context.Context, env *Environment) (*Worker, InstallReport, error) {
	if active := r.Active(); active != nil && active.env.Version() == env.Version() {
		return active, InstallReport{Version: env.Version()}, nil
	}

	w := NewWorker(env, r.opts)
	report, err := w.Install(ctx)
	if err != nil {
		return nil, report, err
	}

	r.mu.Lock()
	old := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if old != nil {
		go old.Close()
	}
	r.log.Info().Str("version", env.Version()).Msg("New worker waiting")
	return w, report, nil
}

// ActivateWaiting makes the waiting worker the active one and returns the
// names of the partitions it evicted. Eviction errors leave the worker active.
func (r *Registration) ActivateWaiting(ctx context.Context) ([]string, error) {
	return r.activate(ctx, nil)
}

// activate promotes w, or whichever worker is waiting if w is nil.
// It fails with ErrNoWaitingWorker when w is no longer the waiting worker.
func (r *Registration) activate(ctx context.Context, w *Worker) ([]string, error) {
	r.mu.Lock()
	if w == nil {
		w = r.waiting
	}
	if w == nil || r.waiting != w {
		r.mu.Unlock()
		return nil, ErrNoWaitingWorker
	}
	r.waiting = nil
	r.mu.Unlock()

	deleted, err := w.Activate(ctx)
	if w.State() != StateActivated {
		return nil, err
	}
	if err != nil {
		r.log.Warn().Err(err).Str("version", w.env.Version()).Msg("Activated with errors")
	}

	r.mu.Lock()
	old := r.active
	r.active = w
	r.mu.Unlock()
	if old != nil {
		go old.Close()
	}
	return deleted, err
}

// Active returns the controlling worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Handle passes the request to the active worker.
func (r *Registration) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	w := r.Active()
	if w == nil {
		return nil, ErrNotActivated
	}
	return w.Handle(ctx, req)
}

func (r *Registration) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	w := r.Active()
	if w == nil {
		http.Error(rw, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	w.ServeHTTP(rw, req)
}

// Close retires all workers and waits for their background work.
func (r *Registration) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range []*Worker{r.waiting, r.active} {
		if w != nil {
			w.Close()
		}
	}
	r.active, r.waiting = nil, nil
}
