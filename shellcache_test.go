package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/shell-cache/cache"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var koinAssets = []string{"/pkg/koin.css", "/pkg/koin.js", "/pkg/koin_bg.wasm", "/"}

var errOffline = errors.New("dial tcp: network is unreachable")

// testNetwork serves requests from an in-process handler, counts calls per path
// and can be switched offline.
type testNetwork struct {
	mutex   sync.Mutex
	calls   map[string]int
	offline atomic.Bool
	fetcher *HandlerFetcher
}

func newTestNetwork(handler http.Handler) *testNetwork {
	return &testNetwork{
		calls:   make(map[string]int),
		fetcher: NewHandlerFetcher(handler),
	}
}

func (n *testNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls[r.URL.Path]++
	n.mutex.Unlock()
	if n.offline.Load() {
		return nil, errOffline
	}
	return n.fetcher.Fetch(ctx, r)
}

func (n *testNetwork) Calls(path string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[path]
}

func (n *testNetwork) Reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = make(map[string]int)
}

// countingRegistry counts every registry and store operation.
type countingRegistry struct {
	cache.Registry
	ops atomic.Int64
}

func (c *countingRegistry) Open(ctx context.Context, name string) (cache.Store, error) {
	c.ops.Add(1)
	return c.Registry.Open(ctx, name)
}

func (c *countingRegistry) Has(ctx context.Context, name string) (bool, error) {
	c.ops.Add(1)
	return c.Registry.Has(ctx, name)
}

func (c *countingRegistry) Delete(ctx context.Context, name string) (bool, error) {
	c.ops.Add(1)
	return c.Registry.Delete(ctx, name)
}

func (c *countingRegistry) Keys(ctx context.Context) ([]string, error) {
	c.ops.Add(1)
	return c.Registry.Keys(ctx)
}

// failingRegistry fails every operation.
type failingRegistry struct{}

var errDiskFull = errors.New("disk full")

func (failingRegistry) Open(context.Context, string) (cache.Store, error) { return nil, errDiskFull }
func (failingRegistry) Has(context.Context, string) (bool, error)         { return false, errDiskFull }
func (failingRegistry) Delete(context.Context, string) (bool, error)      { return false, errDiskFull }
func (failingRegistry) Keys(context.Context) ([]string, error)            { return nil, errDiskFull }

// koinSite answers every path with a body naming the path and the site generation.
func koinSite(generation *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Generation", fmt.Sprint(generation.Load()))
		fmt.Fprintf(w, "%s@%d", r.URL.Path, generation.Load())
	})
}

var testBaseURL = url.URL{Scheme: "http", Host: "koin.test"}

func newTestWorker(t *testing.T, version string, registry cache.Registry, network Fetcher) *Worker {
	t.Helper()
	logger := zerolog.Nop()
	w, err := New(Config{
		Version:        version,
		BaseURL:        testBaseURL,
		CriticalAssets: koinAssets,
		Registry:       registry,
		Network:        network,
		Logger:         &logger,
	})
	require.NoError(t, err)
	return w
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	return r
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewValidatesConfig(t *testing.T) {
	network := newTestNetwork(http.NotFoundHandler())
	tests := []struct {
		name   string
		config Config
	}{
		{"no version", Config{Registry: cache.NewMemRegistry(), Network: network}},
		{"no registry", Config{Version: "1", Network: network}},
		{"no network", Config{Version: "1", Registry: cache.NewMemRegistry()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			require.Error(t, err)
			assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
		})
	}
}

func TestStoreNamesEmbedVersion(t *testing.T) {
	w := newTestWorker(t, "2", cache.NewMemRegistry(), newTestNetwork(http.NotFoundHandler()))
	assert.Equal(t, "shell-v2", w.PrecacheName())
	assert.Equal(t, "shell-runtime-v2", w.RuntimeName())
	assert.Equal(t, "meme-koin-v2", PrecacheName("meme-koin", "2"))
	assert.Equal(t, "meme-koin-runtime-v2", RuntimeName("meme-koin", "2"))
	assert.Equal(t, StateParsed, w.State())
}
