package shellcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/shell-cache/cache"
	serializer "github.com/always-cache/shell-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// Replaced by a newer worker, or failed to install.
	StateRedundant State = "redundant"
)

func (w *Worker) State() State {
	w.stateMutex.RLock()
	defer w.stateMutex.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.stateMutex.Lock()
	w.state = state
	w.stateMutex.Unlock()
	w.log.Debug().Str("state", string(state)).Msg("Worker state changed")
}

// InstallResult lists the outcome of precaching each critical asset.
type InstallResult struct {
	// Assets stored in the precache, in critical asset order.
	Cached []string
	// Assets that could not be precached, with the reason.
	Failed map[string]error
}

// OnInstall opens the precache and fetches all critical assets concurrently.
// Failed assets are logged and reported in the result but never fail the install;
// it completes even if nothing could be fetched.
// A precache that cannot be opened or a context that is done fails the install,
// since activating then would evict the previous version's working shell.
// The worker never waits for older versions, so it is ready to activate right away.
func (w *Worker) OnInstall(ctx context.Context) (InstallResult, error) {
	w.setState(StateInstalling)
	result := InstallResult{
		Cached: make([]string, 0, len(w.criticalAssets)),
		Failed: make(map[string]error),
	}
	if err := ctx.Err(); err != nil {
		w.setState(StateRedundant)
		return result, cancelledError(err)
	}

	precache, err := w.registry.Open(ctx, w.precacheName)
	if err != nil {
		w.setState(StateRedundant)
		return result, storeError(err, w.precacheName, "could not open precache")
	}

	var mutex sync.Mutex
	var g errgroup.Group
	if w.installConcurrency > 0 {
		g.SetLimit(w.installConcurrency)
	}
	for _, asset := range w.criticalAssets {
		g.Go(func() error {
			err := w.precacheAsset(ctx, precache, asset)
			if err != nil {
				w.log.Warn().Err(err).Str("asset", asset).Msg("Failed to cache critical asset")
				mutex.Lock()
				result.Failed[asset] = err
				mutex.Unlock()
			}
			// settle, never cancel siblings
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		w.log.Warn().Err(err).Msg("Install cancelled")
		w.setState(StateRedundant)
		return result, cancelledError(err)
	}

	for _, asset := range w.criticalAssets {
		if _, failed := result.Failed[asset]; !failed {
			result.Cached = append(result.Cached, asset)
		}
	}
	w.log.Info().
		Int("cached", len(result.Cached)).
		Int("failed", len(result.Failed)).
		Str("store", w.precacheName).
		Msg("Installed")
	w.setState(StateInstalled)
	return result, nil
}

func (w *Worker) precacheAsset(ctx context.Context, precache cache.Store, asset string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return configError("invalid critical asset URL " + asset)
	}
	requestTime := time.Now()
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return networkError(err, req)
	}
	defer res.Body.Close()
	if !isOK(res.StatusCode) {
		return statusError(req, res.StatusCode)
	}
	body, err := serializer.BufferResponse(res)
	if err != nil {
		return networkError(err, req)
	}
	return w.put(ctx, precache, req, res, body, requestTime)
}

// OnActivate deletes every store that does not belong to this version
// and claims all clients, concurrently. Running it again without a version change
// leaves the same stores in place.
func (w *Worker) OnActivate(ctx context.Context) error {
	w.setState(StateActivating)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.deleteStaleStores(gctx)
	})
	g.Go(func() error {
		w.claim()
		return nil
	})
	err := g.Wait()
	// a failed cleanup does not stop the worker from activating
	w.setState(StateActivated)
	return err
}

func (w *Worker) deleteStaleStores(ctx context.Context) error {
	names, err := w.registry.Keys(ctx)
	if err != nil {
		return storeError(err, "", "could not enumerate stores")
	}
	for _, name := range names {
		if name == w.precacheName || name == w.runtimeName {
			continue
		}
		if _, err := w.registry.Delete(ctx, name); err != nil {
			w.log.Warn().Err(err).Str("store", name).Msg("Could not delete stale store")
			continue
		}
		w.log.Info().Str("store", name).Msg("Deleted stale store")
	}
	return nil
}

func (w *Worker) claim() {
	if w.clients == nil {
		return
	}
	claimed := w.clients.Claim(w.version)
	w.log.Debug().Int("clients", claimed).Msg("Claimed clients")
}
