package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	shellcache "github.com/always-cache/shell-cache"
	"github.com/always-cache/shell-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// server owns the registration and turns config (re)loads into worker registrations.
type server struct {
	configFilename string
	// origin from the command line, overriding config
	originOverride string
	originURL      url.URL
	// bearer token for the admin endpoints, which are not routed without one
	adminToken     string
	registry       cache.Registry
	registration   *shellcache.Registration
	log            zerolog.Logger
}

type statusResponse struct {
	Version string `json:"version"`
	State   string `json:"state"`
	// Cached request URLs per store, for every store in the registry.
	Stores  map[string][]string `json:"stores"`
	Clients []string            `json:"clients"`
}

type updateResponse struct {
	Version string   `json:"version"`
	Cached  []string `json:"cached"`
	Failed  []string `json:"failed"`
}

// newServer loads the initial config and creates the registration for its origin.
// The origin and admin token are fixed for the life of the server.
func newServer(configFilename, originOverride string, registry cache.Registry, logger zerolog.Logger) (*server, Config, error) {
	s := &server{
		configFilename: configFilename,
		originOverride: originOverride,
		registry:       registry,
		log:            logger,
	}
	config, err := s.loadConfig()
	if err != nil {
		return nil, config, err
	}
	s.originURL, _ = config.OriginURL()
	s.adminToken = config.AdminToken
	s.registration = shellcache.NewRegistration(shellcache.RegistrationConfig{
		OriginURL:      s.originURL,
		OriginHost:     config.Host,
		Scope:          config.Scope,
		ClientIDHeader: config.ClientIDHeader,
		MaxClients:     config.MaxClients,
		Logger:         &s.log,
	})
	return s, config, nil
}

func (s *server) loadConfig() (Config, error) {
	config, err := loadConfig(s.configFilename)
	if err != nil {
		return config, err
	}
	if s.originOverride != "" {
		config.Origin = s.originOverride
	}
	return config, config.Validate()
}

// update registers a worker built from the given config.
func (s *server) update(ctx context.Context, config Config) (*shellcache.Worker, shellcache.InstallResult, error) {
	var result shellcache.InstallResult
	originURL, err := config.OriginURL()
	if err != nil {
		return nil, result, err
	}
	if originURL != s.originURL {
		s.log.Warn().
			Str("configured", originURL.String()).
			Str("serving", s.originURL.String()).
			Msg("Origin changes need a restart; keeping the current origin")
	}
	w, err := shellcache.New(shellcache.Config{
		Version:            config.Version,
		Name:               config.Name,
		BaseURL:            s.originURL,
		CriticalAssets:     config.CriticalAssets,
		Routes:             config.Routes,
		Registry:           s.registry,
		Network:            shellcache.NewOriginFetcher(s.originURL, config.Host),
		Clients:            s.registration.Clients(),
		Logger:             &s.log,
		InstallConcurrency: config.InstallConcurrency,
	})
	if err != nil {
		return nil, result, err
	}
	result, err = s.registration.Register(ctx, w)
	return w, result, err
}

// reload re-reads the config and registers the resulting worker.
func (s *server) reload(ctx context.Context) (*shellcache.Worker, shellcache.InstallResult, error) {
	config, err := s.loadConfig()
	if err != nil {
		return nil, shellcache.InstallResult{}, err
	}
	return s.update(ctx, config)
}

// reloadOnSignal reloads the config on every SIGHUP until the context is done.
func (s *server) reloadOnSignal(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			s.log.Info().Msg("Received SIGHUP, reloading config")
			if _, _, err := s.reload(ctx); err != nil {
				s.log.Error().Err(err).Msg("Reload failed")
			}
		}
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.adminToken == "" {
		s.log.Warn().Msg("No admin token configured, admin endpoints are disabled")
		r.Handle("/*", s.registration)
		return r
	}
	r.Route("/_shell", func(r chi.Router) {
		r.Use(hlog.NewHandler(s.log))
		r.Use(hlog.RemoteAddrHandler("ip"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Admin request")
		}))
		r.Use(s.requireAdminToken)
		r.Get("/status", s.handleStatus)
		r.Post("/update", s.handleUpdate)
	})
	r.Handle("/*", s.registration)
	return r
}

// requireAdminToken rejects admin requests without the configured bearer token.
func (s *server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if !strings.HasPrefix(authHeader, "Bearer ") ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, platformerrors.New(platformerrors.CodeUnauthorized, "admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.registration.Active()
	if active == nil {
		writeError(w, r, platformerrors.New(platformerrors.CodeUnavailable, "no active worker"))
		return
	}
	names, err := s.registry.Keys(r.Context())
	if err != nil {
		writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not enumerate stores"))
		return
	}
	status := statusResponse{
		Version: active.Version(),
		State:   string(active.State()),
		Stores:  make(map[string][]string, len(names)),
		Clients: s.registration.Clients().Controlled(active.Version()),
	}
	for _, name := range names {
		urls, err := active.CachedURLs(r.Context(), name)
		if err != nil {
			writeError(w, r, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list store"),
				"store", name))
			return
		}
		status.Stores[name] = urls
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleUpdate reloads on a context detached from the request,
// so a client hanging up cannot abort an install halfway.
func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	worker, result, err := s.reload(context.WithoutCancel(r.Context()))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Update failed")
		writeError(w, r, err)
		return
	}
	res := updateResponse{
		Version: worker.Version(),
		Cached:  result.Cached,
		Failed:  make([]string, 0, len(result.Failed)),
	}
	for asset := range result.Failed {
		res.Failed = append(res.Failed, asset)
	}
	sort.Strings(res.Failed)
	writeJSON(w, r, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write JSON response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, r, httpStatus(platformerrors.GetCode(err)), platformerrors.ToJSON(err))
}

func httpStatus(code platformerrors.ErrorCode) int {
	switch code {
	case platformerrors.CodeInvalidConfig, platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case platformerrors.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
