package shellcache

import (
	"errors"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
)

// ErrNotIntercepted is returned by OnFetch for requests the worker leaves to the network,
// e.g. non-GET requests. The host should forward these unmodified.
var ErrNotIntercepted = errors.New("request not intercepted")

// errRedundant is returned when a replaced worker tries to write to a store.
var errRedundant = errors.New("worker is redundant")

// errNotStorable marks responses that a cache store must refuse (Vary: *, partial content).
var errNotStorable = platformerrors.New(platformerrors.CodeInvalidInput, "response is not storable")

func networkError(err error, r *http.Request) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeNetwork, "network fetch failed"),
		"url", r.URL.String())
}

func statusError(r *http.Request, status int) error {
	return platformerrors.WithContext(
		platformerrors.Newf(platformerrors.CodeNetwork, "unexpected status %d", status),
		"url", r.URL.String())
}

func storeError(err error, store, message string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeDatabase, message),
		"store", store)
}

func cancelledError(err error) error {
	return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "install cancelled")
}

func configError(message string) error {
	return platformerrors.New(platformerrors.CodeInvalidConfig, message)
}
