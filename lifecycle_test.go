package swcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/always-cache/swcache/cache"
	routerules "github.com/always-cache/swcache/pkg/route-rules"
)

func partitionKeys(t *testing.T, w *Worker, role string) []string {
	t.Helper()
	ctx := context.Background()
	p, err := w.Registry().Open(ctx, w.Environment().Partition(role))
	if err != nil {
		t.Fatalf("could not open partition: %v", err)
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		t.Fatalf("could not list keys: %v", err)
	}
	sort.Strings(keys)
	return keys
}

func TestInstallStoresStaticAssets(t *testing.T) {
	o := newFakeOrigin()
	w := newTestWorker(t, o, Options{})

	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("state is %s", w.State())
	}
	if !w.SkipsWaiting() {
		t.Fatalf("worker does not skip waiting")
	}
	if len(report.Failed) != 0 {
		t.Fatalf("failed assets: %v", report.Failed)
	}
	if !report.OfflineCreated {
		t.Fatalf("offline document not created")
	}

	want := []string{
		"GET http://localhost:8000/",
		"GET http://localhost:8000/index.html",
		"GET http://localhost:8000/offline.html",
		"GET http://localhost:8000/script.js",
		"GET http://localhost:8000/styles.css",
	}
	if keys := partitionKeys(t, w, routerules.RoleStatic); strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("static keys are %v", keys)
	}
	if keys := partitionKeys(t, w, routerules.RoleFonts); len(keys) != 1 || keys[0] != "GET https://cdn.example/webfonts/fa-solid-900.woff2" {
		t.Fatalf("font keys are %v", keys)
	}
	// shell assets are fetched with the version, immutable ones as they are
	if q := o.query("/styles.css"); q != "v=1.0.0" {
		t.Fatalf("styles fetched with query %q", q)
	}
	if q := o.query("/webfonts/fa-solid-900.woff2"); q != "" {
		t.Fatalf("font fetched with query %q", q)
	}
	if n := o.hitCount("/offline.html"); n != 0 {
		t.Fatalf("offline document fetched %d times", n)
	}
}

func TestInstallToleratesFailedAssets(t *testing.T) {
	o := newFakeOrigin()
	o.set("/script.js", "")
	w := newTestWorker(t, o, Options{})

	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, ok := report.Failed["http://localhost:8000/script.js"]; !ok || len(report.Failed) != 1 {
		t.Fatalf("failed assets: %v", report.Failed)
	}
	if len(report.Stored) != 4 {
		t.Fatalf("stored assets: %v", report.Stored)
	}
	if w.State() != StateInstalled {
		t.Fatalf("state is %s", w.State())
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	o := newFakeOrigin()
	w := newTestWorker(t, o, Options{})
	ctx := context.Background()

	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	first := partitionKeys(t, w, routerules.RoleStatic)
	report, err := w.Install(ctx)
	if err != nil {
		t.Fatalf("second install failed: %v", err)
	}
	if report.OfflineCreated {
		t.Fatalf("offline document created twice")
	}
	second := partitionKeys(t, w, routerules.RoleStatic)
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("keys changed from %v to %v", first, second)
	}
}

type failingRegistry struct {
	*cache.MemRegistry
}

func (f failingRegistry) Open(ctx context.Context, name string) (cache.Partition, error) {
	return nil, errors.New("disk full")
}

func TestInstallFailsWithoutStorage(t *testing.T) {
	o := newFakeOrigin()
	w := newTestWorker(t, o, Options{Registry: failingRegistry{cache.NewMemRegistry()}})

	if _, err := w.Install(context.Background()); err == nil {
		t.Fatalf("install succeeded")
	}
	if w.State() != StateRedundant {
		t.Fatalf("state is %s", w.State())
	}
	if _, err := w.Activate(context.Background()); err == nil {
		t.Fatalf("redundant worker activated")
	}
}

func TestActivateEvictsOldVersions(t *testing.T) {
	ctx := context.Background()
	registry := cache.NewMemRegistry()
	for _, name := range []string{"static-assets-0.9.0", "image-assets-0.9.0", "portfolio-cache-v3", "someone-else"} {
		if _, err := registry.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	o := newFakeOrigin()
	w := newTestWorker(t, o, Options{Registry: registry})
	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if w.Controlling() {
		t.Fatalf("worker controls before activation")
	}

	evicted := testutil.ToFloat64(PartitionsEvicted)
	deleted, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if strings.Join(deleted, ",") != "image-assets-0.9.0,portfolio-cache-v3,static-assets-0.9.0" {
		t.Fatalf("deleted %v", deleted)
	}
	if n := testutil.ToFloat64(PartitionsEvicted) - evicted; n != 3 {
		t.Fatalf("eviction counter moved by %v", n)
	}
	if !w.Controlling() || w.State() != StateActivated {
		t.Fatalf("worker not controlling after activation (state %s)", w.State())
	}
	names, err := registry.Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "font-assets-1.0.0,someone-else,static-assets-1.0.0" {
		t.Fatalf("remaining partitions are %v", names)
	}
}

func TestRegistrationReplacesWorker(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	reg := NewRegistration(Options{Network: newFakeOrigin(), Logger: &logger})
	defer reg.Close()

	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without worker is %d", rr.Code)
	}

	first, _, err := reg.Register(ctx, testEnv(t, "1.0.0"))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	again, _, err := reg.Register(ctx, testEnv(t, "1.0.0"))
	if err != nil || again != first {
		t.Fatalf("same version registered twice (err %v)", err)
	}

	second, _, err := reg.Register(ctx, testEnv(t, "2.0.0"))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if reg.Active() != second {
		t.Fatalf("new worker not active")
	}
	names, err := second.Registry().Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if strings.HasSuffix(name, "1.0.0") {
			t.Fatalf("old partition %s survived", name)
		}
	}

	rr = httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/styles.css", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status is %d", rr.Code)
	}
}

func TestRegistrationStagedActivation(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	reg := NewRegistration(Options{Network: newFakeOrigin(), Logger: &logger})
	defer reg.Close()

	if _, _, err := reg.Register(ctx, testEnv(t, "1.0.0")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	waiting, _, err := reg.Install(ctx, testEnv(t, "2.0.0"))
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if reg.Waiting() != waiting || reg.Active().Environment().Version() != "1.0.0" {
		t.Fatalf("installed worker took over before activation")
	}

	deleted, err := reg.ActivateWaiting(ctx)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted %v", deleted)
	}
	if reg.Active() != waiting || reg.Waiting() != nil {
		t.Fatalf("waiting worker not promoted")
	}
	if _, err := reg.ActivateWaiting(ctx); !errors.Is(err, ErrNoWaitingWorker) {
		t.Fatalf("error is %v", err)
	}
}

func TestRegistrationServesDuringInstall(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	o := newFakeOrigin()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	network := NetworkFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("v") == "2.0.0" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return o.Fetch(ctx, req)
	})
	reg := NewRegistration(Options{Network: network, Logger: &logger})
	defer reg.Close()

	first, _, err := reg.Register(ctx, testEnv(t, "1.0.0"))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	env := testEnv(t, "2.0.0")
	installed := make(chan *Worker)
	go func() {
		w, _, err := reg.Install(ctx, env)
		if err != nil {
			t.Errorf("install failed: %v", err)
		}
		installed <- w
	}()
	<-entered

	served := make(chan error, 1)
	go func() {
		if reg.Active() != first {
			served <- errors.New("active worker changed during install")
			return
		}
		res, err := reg.Handle(ctx, newRequest("http://localhost:8000/styles.css", "style"))
		if err == nil {
			res.Body.Close()
		}
		served <- err
	}()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("request during install failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("request blocked while a new version was installing")
	}

	close(release)
	second := <-installed
	if second == nil || reg.Waiting() != second {
		t.Fatalf("installed worker is not waiting")
	}
}

func TestRegistrationActivatesOnlyWaitingWorker(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	reg := NewRegistration(Options{Network: newFakeOrigin(), Logger: &logger})
	defer reg.Close()

	first, _, err := reg.Register(ctx, testEnv(t, "1.0.0"))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	second, _, err := reg.Install(ctx, testEnv(t, "2.0.0"))
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	third, _, err := reg.Install(ctx, testEnv(t, "3.0.0"))
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}

	// second was replaced while waiting
	if _, err := reg.activate(ctx, second); !errors.Is(err, ErrNoWaitingWorker) {
		t.Fatalf("error is %v", err)
	}
	if reg.Active() != first || reg.Waiting() != third {
		t.Fatalf("replaced worker changed the registration")
	}
	if _, err := reg.activate(ctx, third); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if reg.Active() != third {
		t.Fatalf("waiting worker not promoted")
	}
}

func TestRefreshPartition(t *testing.T) {
	o := newFakeOrigin()
	w := activeWorker(t, o)
	o.set("/styles.css", "body{color:red}")

	n, err := w.RefreshPartition(context.Background(), w.Environment().Partition(routerules.RoleStatic))
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("refreshed %d entries", n)
	}
	if b, _ := storedBody(t, w, routerules.RoleStatic, "http://localhost:8000/styles.css"); b != "body{color:red}" {
		t.Fatalf("stored body is %s", b)
	}
}
