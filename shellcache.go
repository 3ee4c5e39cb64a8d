package shellcache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/always-cache/shell-cache/cache"
	cachekey "github.com/always-cache/shell-cache/pkg/cache-key"
	"github.com/always-cache/shell-cache/pkg/route"

	"github.com/rs/zerolog"
)

const defaultName = "shell"

type Config struct {
	// Version tag embedded in store names.
	// Bumping it is what evicts the stores of earlier versions on activation.
	Version string
	// Store name prefix. Defaults to "shell".
	Name string
	// URL of the application. Relative request URLs are resolved against it
	// to build absolute request identities.
	BaseURL url.URL
	// Application shell that must be precached before the worker can serve offline.
	CriticalAssets []string
	// URL shapes deciding the strategy for each request. Empty fields use route.DefaultRules.
	Routes route.Rules
	// Storage for cache stores.
	Registry cache.Registry
	// Network used for all fetches.
	Network Fetcher
	// Clients claimed on activation. The registration sets its own if nil.
	Clients *Clients
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of concurrent fetches during install; 0 means no limit.
	InstallConcurrency int
}

// Worker is one version of the caching engine.
// The host drives it through OnInstall, OnActivate and OnFetch.
type Worker struct {
	version            string
	precacheName       string
	runtimeName        string
	criticalAssets     []string
	routes             route.Rules
	registry           cache.Registry
	network            Fetcher
	clients            *Clients
	keyer              cachekey.CacheKeyer
	log                zerolog.Logger
	installConcurrency int

	stateMutex sync.RWMutex
	state      State
}

// PrecacheName returns the name of the precache store for a version.
func PrecacheName(name, version string) string {
	return fmt.Sprintf("%s-v%s", name, version)
}

// RuntimeName returns the name of the runtime store for a version.
func RuntimeName(name, version string) string {
	return fmt.Sprintf("%s-runtime-v%s", name, version)
}

// New creates a worker in the parsed state.
func New(config Config) (*Worker, error) {
	if config.Version == "" {
		return nil, configError("version tag is required")
	}
	if config.Registry == nil {
		return nil, configError("cache registry is required")
	}
	if config.Network == nil {
		return nil, configError("network fetcher is required")
	}
	name := config.Name
	if name == "" {
		name = defaultName
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	return &Worker{
		version:            config.Version,
		precacheName:       PrecacheName(name, config.Version),
		runtimeName:        RuntimeName(name, config.Version),
		criticalAssets:     append([]string(nil), config.CriticalAssets...),
		routes:             config.Routes.WithDefaults(),
		registry:           config.Registry,
		network:            config.Network,
		clients:            config.Clients,
		keyer:              cachekey.NewCacheKeyer(config.BaseURL),
		log:                logger,
		installConcurrency: config.InstallConcurrency,
		state:              StateParsed,
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) PrecacheName() string {
	return w.precacheName
}

func (w *Worker) RuntimeName() string {
	return w.runtimeName
}

func (w *Worker) Routes() route.Rules {
	return w.routes
}

// CachedURLs lists the request URLs stored in the named store.
// A store that does not exist has no URLs, nor does any store of a replaced worker.
func (w *Worker) CachedURLs(ctx context.Context, storeName string) ([]string, error) {
	store, err := w.openExisting(ctx, storeName)
	if err != nil || store == nil {
		return nil, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		req, err := w.keyer.GetRequestFromKey(key)
		if err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("Could not get request from key")
			continue
		}
		urls = append(urls, req.URL.String())
	}
	return urls, nil
}
