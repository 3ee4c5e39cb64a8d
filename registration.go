package shellcache

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	cachestatus "github.com/always-cache/shell-cache/pkg/cache-status"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

const defaultClientIDHeader = "X-Client-Id"

type RegistrationConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Path prefix controlled by the workers. Defaults to the site root.
	Scope string
	// Request header identifying a browser client. Defaults to X-Client-Id;
	// the source IP is used for requests without it.
	ClientIDHeader string
	// Number of clients remembered. Defaults to DefaultMaxClients.
	MaxClients int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Registration hosts the workers for a scope: it installs and activates new versions
// and dispatches every request to the active worker.
type Registration struct {
	scope          string
	clientIDHeader string
	clients        *Clients
	active         atomic.Pointer[Worker]
	registerMutex  sync.Mutex
	reverseproxy   httputil.ReverseProxy
	log            zerolog.Logger
}

func NewRegistration(config RegistrationConfig) *Registration {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	reg := &Registration{
		scope:          config.Scope,
		clientIDHeader: config.ClientIDHeader,
		clients:        NewBoundedClients(config.MaxClients),
		log:            logger,
	}
	if reg.scope == "" {
		reg.scope = "/"
	}
	if reg.clientIDHeader == "" {
		reg.clientIDHeader = defaultClientIDHeader
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	reg.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			reg.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not proxy request")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}
	return reg
}

// Register installs the worker and, since workers never wait, activates it right away.
// The previous worker becomes redundant. If install fails the previous worker stays active.
func (reg *Registration) Register(ctx context.Context, w *Worker) (InstallResult, error) {
	reg.registerMutex.Lock()
	defer reg.registerMutex.Unlock()

	if w.clients == nil {
		w.clients = reg.clients
	}
	result, err := w.OnInstall(ctx)
	if err != nil {
		reg.log.Error().Err(err).Str("version", w.version).Msg("Install failed")
		return result, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "install failed")
	}
	for asset, assetErr := range result.Failed {
		reg.log.Warn().Err(assetErr).Str("asset", asset).Msg("Critical asset not available offline")
	}

	if old := reg.active.Swap(w); old != nil && old != w {
		old.setState(StateRedundant)
	}
	if err := w.OnActivate(ctx); err != nil {
		reg.log.Error().Err(err).Str("version", w.version).Msg("Activation cleanup failed")
	}
	reg.log.Info().Str("version", w.version).Msg("Worker activated")
	return result, nil
}

// Active returns the active worker, or nil before the first registration.
func (reg *Registration) Active() *Worker {
	return reg.active.Load()
}

func (reg *Registration) Clients() *Clients {
	return reg.clients
}

// ServeHTTP implements the http.Handler interface.
func (reg *Registration) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, reg.scope) {
		reg.passThrough(rw, r)
		return
	}
	// clients seen before the first worker are claimed when it activates
	clientID := reg.clientID(r)
	controller := reg.clients.Seen(clientID)
	w := reg.active.Load()
	if w == nil {
		reg.passThrough(rw, r)
		return
	}
	if controller == "" {
		// pages loaded before the worker took over stay uncontrolled until they navigate
		if !w.routes.IsNavigation(r) {
			reg.passThrough(rw, r)
			return
		}
		reg.clients.Control(clientID, w.version)
	}

	res, cs, err := w.handle(r.Context(), r)
	if errors.Is(err, ErrNotIntercepted) {
		reg.passThrough(rw, r)
		return
	}
	if err != nil {
		rw.Header().Set(cachestatus.HeaderName, cs.String())
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		reg.logRequest(r, http.StatusBadGateway, cs)
		return
	}
	reg.send(rw, r, res, cs)
}

func (reg *Registration) passThrough(rw http.ResponseWriter, r *http.Request) {
	reg.log.Trace().Msgf("proxying %s %s", r.Method, r.URL.String())
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdBypass)
	rw.Header().Set(cachestatus.HeaderName, cs.String())
	reg.reverseproxy.ServeHTTP(rw, r)
}

func (reg *Registration) send(rw http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	for k, vv := range res.Header {
		for _, v := range vv {
			rw.Header().Add(k, v)
		}
	}
	rw.Header().Set(cachestatus.HeaderName, cs.String())
	rw.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(rw, res.Body)
		if err != nil {
			reg.log.Error().Err(err).Msg("Could not write response body to client")
		}
		reg.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	reg.logRequest(r, res.StatusCode, cs)
}

func (reg *Registration) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	reg.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func (reg *Registration) clientID(r *http.Request) string {
	if id := r.Header.Get(reg.clientIDHeader); id != "" {
		return id
	}
	return getRequestSourceIp(r)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
