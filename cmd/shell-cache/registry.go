package main

import (
	"io"

	"github.com/always-cache/shell-cache/cache"

	platformerrors "github.com/jmgilman/go/errors"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRegistry opens the cache registry of the given provider.
// For sqlite, the db file name "memory" means an in-memory db.
func openRegistry(provider, dbFilename string) (cache.Registry, io.Closer, error) {
	switch provider {
	case "sqlite":
		if dbFilename == "memory" {
			dbFilename = ""
		}
		registry, err := cache.NewSQLiteRegistry(dbFilename)
		if err != nil {
			return nil, nil, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open cache db"),
				"db", dbFilename)
		}
		return registry, registry, nil
	case "bolt":
		registry, err := cache.NewBoltRegistry(dbFilename)
		if err != nil {
			return nil, nil, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open cache db"),
				"db", dbFilename)
		}
		return registry, registry, nil
	case "memory":
		return cache.NewMemRegistry(), nopCloser{}, nil
	default:
		return nil, nil, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "unsupported cache provider"),
			"provider", provider)
	}
}
