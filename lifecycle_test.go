package shellcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/shell-cache/cache"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallSettlesFailedAssets(t *testing.T) {
	generation := &atomic.Int32{}
	site := koinSite(generation)
	network := newTestNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pkg/koin_bg.wasm" {
			http.Error(w, "not built", http.StatusNotFound)
			return
		}
		site.ServeHTTP(w, r)
	}))
	w := newTestWorker(t, "1", cache.NewMemRegistry(), network)

	result, err := w.OnInstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, w.State())
	assert.Equal(t, []string{"/pkg/koin.css", "/pkg/koin.js", "/"}, result.Cached)
	require.Contains(t, result.Failed, "/pkg/koin_bg.wasm")
	assert.Equal(t, platformerrors.CodeNetwork, platformerrors.GetCode(result.Failed["/pkg/koin_bg.wasm"]))

	urls, err := w.CachedURLs(context.Background(), w.PrecacheName())
	require.NoError(t, err)
	assert.Len(t, urls, 3)
	assert.NotContains(t, urls, "http://koin.test/pkg/koin_bg.wasm")
}

func TestInstallCompletesOffline(t *testing.T) {
	network := newTestNetwork(http.NotFoundHandler())
	network.offline.Store(true)
	registry := cache.NewMemRegistry()
	w := newTestWorker(t, "1", registry, network)

	result, err := w.OnInstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, w.State())
	assert.Empty(t, result.Cached)
	assert.Len(t, result.Failed, len(koinAssets))
	for _, assetErr := range result.Failed {
		assert.ErrorIs(t, assetErr, errOffline)
	}

	// the precache exists even though it is empty
	has, err := registry.Has(context.Background(), "shell-v1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestInstallFailsWithoutPrecache(t *testing.T) {
	w := newTestWorker(t, "1", failingRegistry{}, newTestNetwork(http.NotFoundHandler()))

	_, err := w.OnInstall(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, platformerrors.CodeDatabase, platformerrors.GetCode(err))
	assert.Equal(t, StateRedundant, w.State())
}

func TestInstallFetchesConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(len(koinAssets))
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	site := NewHandlerFetcher(koinSite(&atomic.Int32{}))
	// every fetch waits until all of them are in flight
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		arrived.Done()
		select {
		case <-all:
			return site.Fetch(ctx, r)
		case <-time.After(5 * time.Second):
			return nil, errors.New("fetches were not concurrent")
		}
	})
	w := newTestWorker(t, "1", cache.NewMemRegistry(), network)

	result, err := w.OnInstall(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assert.Equal(t, koinAssets, result.Cached)
}

func TestInstallConcurrencyLimit(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	site := NewHandlerFetcher(koinSite(&atomic.Int32{}))
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return site.Fetch(ctx, r)
	})
	logger := zerolog.Nop()
	w, err := New(Config{
		Version:            "1",
		BaseURL:            testBaseURL,
		CriticalAssets:     koinAssets,
		Registry:           cache.NewMemRegistry(),
		Network:            network,
		Logger:             &logger,
		InstallConcurrency: 1,
	})
	require.NoError(t, err)

	result, err := w.OnInstall(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Cached, len(koinAssets))
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestActivateDeletesStaleStores(t *testing.T) {
	ctx := context.Background()
	registry := cache.NewMemRegistry()
	for _, name := range []string{"shell-v1", "shell-runtime-v1", "other-app"} {
		_, err := registry.Open(ctx, name)
		require.NoError(t, err)
	}
	network := newTestNetwork(koinSite(&atomic.Int32{}))
	w := newTestWorker(t, "2", registry, network)
	_, err := w.OnInstall(ctx)
	require.NoError(t, err)

	require.NoError(t, w.OnActivate(ctx))
	assert.Equal(t, StateActivated, w.State())
	keys, err := registry.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v2"}, keys)

	// runtime entries written after activation survive a second activation
	_, err = w.OnFetch(ctx, newRequest(t, http.MethodGet, "/favicon.ico"))
	require.NoError(t, err)
	require.NoError(t, w.OnActivate(ctx))
	keys, err = registry.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v2", "shell-runtime-v2"}, keys)
}

func TestActivateClaimsClients(t *testing.T) {
	clients := NewClients()
	clients.Seen("tab-1")
	clients.Control("tab-2", "1")
	logger := zerolog.Nop()
	w, err := New(Config{
		Version:  "2",
		BaseURL:  testBaseURL,
		Registry: cache.NewMemRegistry(),
		Network:  newTestNetwork(http.NotFoundHandler()),
		Clients:  clients,
		Logger:   &logger,
	})
	require.NoError(t, err)

	require.NoError(t, w.OnActivate(context.Background()))
	assert.Equal(t, []string{"tab-1", "tab-2"}, clients.Controlled("2"))
	assert.Empty(t, clients.Controlled("1"))
}

func TestActivateCompletesWhenCleanupFails(t *testing.T) {
	w := newTestWorker(t, "1", failingRegistry{}, newTestNetwork(http.NotFoundHandler()))

	err := w.OnActivate(context.Background())
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeDatabase, platformerrors.GetCode(err))
	assert.Equal(t, StateActivated, w.State())
}

func TestInstallFailsWhenCancelled(t *testing.T) {
	site := NewHandlerFetcher(koinSite(&atomic.Int32{}))
	tests := []struct {
		name string
		// fetcher given the cancel func of the install context
		network func(cancel context.CancelFunc) Fetcher
		cancel  bool
	}{
		{
			name:   "before install",
			cancel: true,
			network: func(context.CancelFunc) Fetcher {
				return site
			},
		},
		{
			name: "during install",
			network: func(cancel context.CancelFunc) Fetcher {
				return FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
					cancel()
					return nil, ctx.Err()
				})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			registry := cache.NewMemRegistry()
			w := newTestWorker(t, "2", registry, tt.network(cancel))
			if tt.cancel {
				cancel()
			}

			result, err := w.OnInstall(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, platformerrors.CodeUnavailable, platformerrors.GetCode(err))
			assert.Equal(t, StateRedundant, w.State())
			assert.Empty(t, result.Cached)
		})
	}
}

func TestReplacedWorkerDoesNotRecreateStores(t *testing.T) {
	ctx := context.Background()
	registry := cache.NewMemRegistry()
	site := NewHandlerFetcher(koinSite(&atomic.Int32{}))
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/favicon.ico" {
			once.Do(func() { close(started) })
			<-release
		}
		return site.Fetch(ctx, r)
	})

	logger := zerolog.Nop()
	reg := NewRegistration(RegistrationConfig{OriginURL: testBaseURL, Logger: &logger})
	v1 := newTestWorker(t, "1", registry, network)
	mustRegister(t, reg, v1)

	// a v1 request is still waiting on the network while v2 takes over
	type fetched struct {
		res *http.Response
		err error
	}
	done := make(chan fetched, 1)
	favicon := newRequest(t, http.MethodGet, "/favicon.ico")
	go func() {
		res, err := v1.OnFetch(ctx, favicon)
		done <- fetched{res, err}
	}()
	<-started
	v2 := newTestWorker(t, "2", registry, newTestNetwork(koinSite(&atomic.Int32{})))
	mustRegister(t, reg, v2)
	close(release)

	f := <-done
	require.NoError(t, f.err)
	assert.Equal(t, http.StatusOK, f.res.StatusCode)
	assert.Equal(t, "/favicon.ico@0", readBody(t, f.res))

	// the replaced worker still answers but neither reads nor writes stores
	res, err := v1.OnFetch(ctx, newRequest(t, http.MethodGet, "/pkg/koin.js"))
	require.NoError(t, err)
	assert.Equal(t, "/pkg/koin.js@0", readBody(t, res))

	keys, err := registry.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v2"}, keys)
}
