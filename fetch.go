package shellcache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/shell-cache/cache"
	cachekey "github.com/always-cache/shell-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/shell-cache/pkg/cache-status"
	serializer "github.com/always-cache/shell-cache/pkg/response-serializer"
	"github.com/always-cache/shell-cache/pkg/route"

	"github.com/rs/zerolog"
)

// OnFetch produces the response for an intercepted request.
// Requests the worker does not intercept return ErrNotIntercepted.
// Network failures are answered with a cached copy or a synthesized 503,
// except on network-only routes where the network error itself is returned.
func (w *Worker) OnFetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := w.handle(ctx, r)
	return res, err
}

func (w *Worker) handle(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	class := w.routes.Classify(r)
	log := w.log.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("class", string(class)).
		Logger()
	log.Trace().Msg("Intercepted request")

	switch class {
	case route.ClassStatic:
		return w.cacheFirst(ctx, r, w.precacheName, log)
	case route.ClassDocument:
		return w.networkFirst(ctx, r, log)
	case route.ClassAPI:
		return w.networkOnly(ctx, r, log)
	case route.ClassOther:
		return w.cacheFirst(ctx, r, w.runtimeName, log)
	default:
		var cs cachestatus.CacheStatus
		cs.Forward(cachestatus.FwdMethod)
		return nil, cs, ErrNotIntercepted
	}
}

// cacheFirst serves from the store without contacting the network if possible.
// On a miss the network response is stored and returned.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request, storeName string, log zerolog.Logger) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	res, reason := w.match(ctx, storeName, r, log)
	if res != nil {
		cs.Hit()
		cs.Detail = storeName
		return res, cs, nil
	}
	cs.Forward(reason)
	res, err := w.fetchAndStore(ctx, r, storeName, &cs, log)
	if err != nil {
		log.Error().Err(err).Msg("Cache first failed")
		cs.Detail = "network-error"
		return networkErrorResponse(r), cs, nil
	}
	return res, cs, nil
}

// networkFirst always tries the network, refreshing the precache,
// and only falls back to the precache when the network fails.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request, log zerolog.Logger) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdRequest)
	res, err := w.fetchAndStore(ctx, r, w.precacheName, &cs, log)
	if err == nil {
		return res, cs, nil
	}
	log.Warn().Err(err).Msg("Network first failed, falling back to precache")
	if cached, _ := w.match(ctx, w.precacheName, r, log); cached != nil {
		cs.Hit()
		cs.Detail = "offline-fallback"
		return cached, cs, nil
	}
	cs.Detail = "offline"
	return offlineResponse(r), cs, nil
}

// networkOnly never touches a cache store.
func (w *Worker) networkOnly(ctx context.Context, r *http.Request, log zerolog.Logger) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdBypass)
	res, err := w.network.Fetch(ctx, r)
	if err != nil {
		log.Warn().Err(err).Msg("Network only failed")
		return nil, cs, err
	}
	cs.FwdStatus = res.StatusCode
	return res, cs, nil
}

// fetchAndStore makes the single network attempt of a strategy.
// Successful (2xx) responses are buffered and stored; storing is best-effort.
func (w *Worker) fetchAndStore(ctx context.Context, r *http.Request, storeName string, cs *cachestatus.CacheStatus, log zerolog.Logger) (*http.Response, error) {
	requestTime := time.Now()
	res, err := w.network.Fetch(ctx, r)
	if err != nil {
		return nil, networkError(err, r)
	}
	cs.FwdStatus = res.StatusCode
	if !isOK(res.StatusCode) {
		log.Debug().Int("status", res.StatusCode).Msg("Not storing unsuccessful response")
		return res, nil
	}
	body, err := serializer.BufferResponse(res)
	if err != nil {
		return nil, networkError(err, r)
	}
	store, err := w.openForWrite(ctx, storeName)
	if errors.Is(err, errRedundant) {
		log.Debug().Str("store", storeName).Msg("Worker was replaced, not storing response")
		return res, nil
	}
	if err != nil {
		log.Warn().Err(storeError(err, storeName, "could not open store")).Msg("Not storing response")
		return res, nil
	}
	if err := w.put(ctx, store, r, res, body, requestTime); err != nil {
		log.Warn().Err(err).Str("store", storeName).Msg("Could not store response")
		return res, nil
	}
	cs.Stored = true
	log.Trace().Str("store", storeName).Msg("Stored response")
	return res, nil
}

// openForWrite opens (creating) the store unless the worker has been replaced.
// The state lock is held across Open so a worker marked redundant
// never recreates a store after the new version's activation deleted it.
func (w *Worker) openForWrite(ctx context.Context, storeName string) (cache.Store, error) {
	w.stateMutex.RLock()
	defer w.stateMutex.RUnlock()
	if w.state == StateRedundant {
		return nil, errRedundant
	}
	return w.registry.Open(ctx, storeName)
}

// openExisting opens the store only if it exists, returning nil otherwise.
// A replaced worker sees no stores.
func (w *Worker) openExisting(ctx context.Context, storeName string) (cache.Store, error) {
	w.stateMutex.RLock()
	defer w.stateMutex.RUnlock()
	if w.state == StateRedundant {
		return nil, nil
	}
	has, err := w.registry.Has(ctx, storeName)
	if err != nil || !has {
		return nil, err
	}
	return w.registry.Open(ctx, storeName)
}

// put stores a copy of the buffered response keyed by the request.
// Cancelled requests are not written.
func (w *Worker) put(ctx context.Context, store cache.Store, r *http.Request, res *http.Response, body []byte, requestTime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if res.StatusCode == http.StatusPartialContent || cachekey.VaryAll(res.Header) {
		return errNotStorable
	}
	abs := w.keyer.AbsoluteURL(r.URL)
	key := w.keyer.AddVaryKeys(w.keyer.GetKeyPrefix(r), r, res)
	stored := *res
	stored.Request = &http.Request{
		Method: r.Method,
		URL:    abs,
		Header: w.keyer.GetVaryHeaders(key),
		Host:   abs.Host,
	}
	now := time.Now()
	bytes, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     &stored,
		Body:         body,
		RequestTime:  requestTime,
		ResponseTime: now,
	})
	if err != nil {
		return err
	}
	if err := store.Put(ctx, cache.Entry{Key: key, StoredAt: now, Bytes: bytes}); err != nil {
		return storeError(err, store.Name(), "could not write entry")
	}
	return nil
}

// match looks the request up in the named store without creating it.
// Read failures count as misses. The forward reason is returned on a miss.
func (w *Worker) match(ctx context.Context, storeName string, r *http.Request, log zerolog.Logger) (*http.Response, cachestatus.FwdReason) {
	store, err := w.openExisting(ctx, storeName)
	if err != nil {
		log.Warn().Err(storeError(err, storeName, "could not open store")).Msg("Treating as cache miss")
		return nil, cachestatus.FwdMiss
	}
	if store == nil {
		return nil, cachestatus.FwdUriMiss
	}
	prefix := w.keyer.GetKeyPrefix(r)
	// responses without Vary are stored under the prefix itself
	entry, found, err := store.Get(ctx, prefix)
	if err != nil {
		log.Warn().Err(storeError(err, storeName, "could not read store")).Msg("Treating as cache miss")
		return nil, cachestatus.FwdMiss
	}
	if found {
		if res := w.readEntry(ctx, store, entry, r, log); res != nil {
			return res, ""
		}
	}
	entries, err := store.All(ctx, prefix)
	if err != nil {
		log.Warn().Err(storeError(err, storeName, "could not read store")).Msg("Treating as cache miss")
		return nil, cachestatus.FwdMiss
	}
	variants := 0
	for _, entry := range entries {
		if entry.Key == prefix {
			continue
		}
		variants++
		if !w.keyer.Matches(entry.Key, r) {
			continue
		}
		if res := w.readEntry(ctx, store, entry, r, log); res != nil {
			return res, ""
		}
	}
	if !found && variants == 0 {
		return nil, cachestatus.FwdUriMiss
	}
	return nil, cachestatus.FwdVaryMiss
}

// readEntry parses a stored response. Entries that cannot be parsed are removed.
func (w *Worker) readEntry(ctx context.Context, store cache.Store, entry cache.Entry, r *http.Request, log zerolog.Logger) *http.Response {
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		log.Error().Err(err).Str("key", entry.Key).Msg("Could not read stored response, removing it")
		if _, err := store.Delete(ctx, entry.Key); err != nil {
			log.Warn().Err(storeError(err, store.Name(), "could not delete entry")).Str("key", entry.Key).Msg("Corrupt entry kept")
		}
		return nil
	}
	sRes.Response.Request = r
	log.Trace().Str("store", store.Name()).Time("storedAt", entry.StoredAt).Msg("Cache hit")
	return sRes.Response
}

func isOK(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
