package main

import (
	"net/url"
	"os"
	"strings"

	"github.com/always-cache/shell-cache/pkg/route"

	"github.com/caarlos0/env/v11"
	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SHELL_CACHE_"

type Config struct {
	// Version tag of the deployed build. Changing it and reloading installs a new worker.
	Version string `yaml:"version" env:"VERSION"`
	// Store name prefix.
	Name string `yaml:"name" env:"NAME"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of origin, if different from the origin URL.
	Host  string `yaml:"host" env:"HOST"`
	Scope string `yaml:"scope" env:"SCOPE"`
	// Paths of the application shell to precache on install.
	CriticalAssets     []string    `yaml:"criticalAssets" env:"CRITICAL_ASSETS" envSeparator:","`
	Routes             route.Rules `yaml:"routes"`
	ClientIDHeader     string      `yaml:"clientIdHeader" env:"CLIENT_ID_HEADER"`
	InstallConcurrency int         `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	// Number of browser clients remembered; the least recently seen are forgotten.
	MaxClients int `yaml:"maxClients" env:"MAX_CLIENTS"`
	// Bearer token required by the admin endpoints. Admin endpoints are disabled without it.
	AdminToken string `yaml:"adminToken" env:"ADMIN_TOKEN"`
}

// loadConfig reads the YAML config file, if any, and applies environment overrides.
func loadConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not read config file"),
				"file", filename)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not parse config file"),
				"file", filename)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not parse environment")
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Version == "" {
		return platformerrors.New(platformerrors.CodeInvalidConfig, "version is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Scope != "" && !strings.HasPrefix(c.Scope, "/") {
		return platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "scope must be an absolute path"),
			"scope", c.Scope)
	}
	for _, asset := range c.CriticalAssets {
		if _, err := url.Parse(asset); err != nil {
			return platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid critical asset"),
				"asset", asset)
		}
	}
	if c.InstallConcurrency < 0 {
		return platformerrors.New(platformerrors.CodeInvalidConfig, "installConcurrency cannot be negative")
	}
	if c.MaxClients < 0 {
		return platformerrors.New(platformerrors.CodeInvalidConfig, "maxClients cannot be negative")
	}
	return nil
}

func (c Config) OriginURL() (url.URL, error) {
	if c.Origin == "" {
		return url.URL{}, platformerrors.New(platformerrors.CodeInvalidConfig, "origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return url.URL{}, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "origin must be an absolute URL"),
			"origin", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return url.URL{}, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "origins with paths are not supported"),
			"origin", c.Origin)
	}
	u.Path = ""
	return *u, nil
}
