// Package config declares the engine's recognised configuration keys (spec
// §6 "Configuration") as urfave/cli/v2 flags, matching the teacher's
// cmd/server.go flag-declaration idiom.
package config

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// Config is the fully resolved, validated configuration for one server
// process, built from a *cli.Context by FromContext.
type Config struct {
	Port int

	DiscoveryFinderURL string
	BPNIdentifierType   string

	ConnectorDiscoveryURL   string
	ManagementAPIURL        string
	ManagementAPIKey        string
	MaxParallelCatalogFetches int64

	DTRCacheExpiration time.Duration

	SubmodelDispatcherMode string // "filesystem", "http", or "s3"
	SubmodelPath           string
	SubmodelHTTPBaseURL    string
	SubmodelHTTPAPIPath    string
	SubmodelHTTPTimeout    time.Duration
	SubmodelHTTPVerifySSL  bool
	SubmodelAuthEnabled    bool
	SubmodelAuthType       string
	SubmodelAuthToken      string
	SubmodelAuthKeyName    string
	SubmodelS3Bucket       string
	SubmodelS3KeyPrefix    string
	SubmodelS3Region       string
	SubmodelS3Endpoint     string

	DatabaseConnectionString string
	DatabaseTimeout          time.Duration
	DatabaseRetryInterval    time.Duration

	RedisURL string

	MetricsPort int
}

// Flags is the complete flag set for the "server start" command.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8080, Usage: "port to bind the HTTP server to"},
		&cli.IntFlag{Name: "metrics-port", Value: 9464, Usage: "port to expose Prometheus metrics on"},

		&cli.StringFlag{Name: "discovery-finder-url", EnvVars: []string{"CONSUMER_DISCOVERY_DISCOVERY_FINDER_URL"}, Usage: "URL of the Discovery Finder (consumer.discovery.discovery_finder.url)"},
		&cli.StringFlag{Name: "bpn-identifier-type", Value: "manufacturerPartId", EnvVars: []string{"CONSUMER_DISCOVERY_BPN_DISCOVERY_TYPE"}, Usage: "identifier type for BPN discovery (consumer.discovery.bpn_discovery.type)"},

		&cli.StringFlag{Name: "connector-discovery-url", EnvVars: []string{"CONNECTOR_DISCOVERY_URL"}, Usage: "URL of the connector discovery service used to list a BPN's connector endpoints"},
		&cli.StringFlag{Name: "management-api-url", EnvVars: []string{"EDC_MANAGEMENT_API_URL"}, Usage: "base URL of the connector's EDC management API used for catalog and contract negotiation"},
		&cli.StringFlag{Name: "management-api-key", EnvVars: []string{"EDC_MANAGEMENT_API_KEY"}, Usage: "API key for the EDC management API"},
		&cli.Int64Flag{Name: "max-parallel-catalog-fetches", Value: 10, Usage: "bounded concurrency for get_catalogs_parallel"},

		&cli.DurationFlag{Name: "dtr-cache-expiration", Value: 60 * time.Minute, Usage: "DTR cache shard expiry (expiration_time)"},

		&cli.StringFlag{Name: "submodel-dispatcher-mode", Value: "filesystem", Usage: "provider.submodel_dispatcher.mode: filesystem, http or s3"},
		&cli.StringFlag{Name: "submodel-path", Value: "./data/submodels", Usage: "provider.submodel_dispatcher.path"},
		&cli.StringFlag{Name: "submodel-http-base-url", Usage: "provider.submodel_dispatcher.http.base_url"},
		&cli.StringFlag{Name: "submodel-http-api-path", Usage: "provider.submodel_dispatcher.http.api_path"},
		&cli.DurationFlag{Name: "submodel-http-timeout", Value: 30 * time.Second, Usage: "provider.submodel_dispatcher.http.timeout"},
		&cli.BoolFlag{Name: "submodel-http-verify-ssl", Value: true, Usage: "provider.submodel_dispatcher.http.verify_ssl"},
		&cli.BoolFlag{Name: "submodel-auth-enabled", Usage: "provider.submodel_dispatcher.http.auth.enabled"},
		&cli.StringFlag{Name: "submodel-auth-type", Value: "apikey", Usage: "provider.submodel_dispatcher.http.auth.type: bearer or apikey"},
		&cli.StringFlag{Name: "submodel-auth-token", Usage: "provider.submodel_dispatcher.http.auth.token; supports ${ENV_VAR} substitution"},
		&cli.StringFlag{Name: "submodel-auth-key-name", Value: "X-Api-Key", Usage: "provider.submodel_dispatcher.http.auth.key_name"},

		&cli.StringFlag{Name: "submodel-s3-bucket", Usage: "provider.submodel_dispatcher.s3.bucket"},
		&cli.StringFlag{Name: "submodel-s3-key-prefix", Usage: "provider.submodel_dispatcher.s3.key_prefix"},
		&cli.StringFlag{Name: "submodel-s3-region", Usage: "provider.submodel_dispatcher.s3.region"},
		&cli.StringFlag{Name: "submodel-s3-endpoint", Usage: "provider.submodel_dispatcher.s3.endpoint, for S3-compatible stores"},

		&cli.StringFlag{Name: "database-connection-string", EnvVars: []string{"DATABASE_CONNECTION_STRING"}, Usage: "database.connection_string, for the edr_connections persistence collaborator"},
		&cli.DurationFlag{Name: "database-timeout", Value: 5 * time.Second, Usage: "database.timeout"},
		&cli.DurationFlag{Name: "database-retry-interval", Value: 2 * time.Second, Usage: "database.retry_interval"},

		&cli.StringFlag{Name: "redis-url", Aliases: []string{"redis"}, EnvVars: []string{"REDIS_URL"}, Usage: "url for a running redis database backing the shell index"},
	}
}

// FromContext builds and validates a Config from a populated *cli.Context.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		Port:                     c.Int("port"),
		MetricsPort:              c.Int("metrics-port"),
		DiscoveryFinderURL:        c.String("discovery-finder-url"),
		BPNIdentifierType:         c.String("bpn-identifier-type"),
		ConnectorDiscoveryURL:     c.String("connector-discovery-url"),
		ManagementAPIURL:          c.String("management-api-url"),
		ManagementAPIKey:          c.String("management-api-key"),
		MaxParallelCatalogFetches: c.Int64("max-parallel-catalog-fetches"),
		DTRCacheExpiration:       c.Duration("dtr-cache-expiration"),
		SubmodelDispatcherMode:   c.String("submodel-dispatcher-mode"),
		SubmodelPath:             c.String("submodel-path"),
		SubmodelHTTPBaseURL:      c.String("submodel-http-base-url"),
		SubmodelHTTPAPIPath:      c.String("submodel-http-api-path"),
		SubmodelHTTPTimeout:      c.Duration("submodel-http-timeout"),
		SubmodelHTTPVerifySSL:    c.Bool("submodel-http-verify-ssl"),
		SubmodelAuthEnabled:      c.Bool("submodel-auth-enabled"),
		SubmodelAuthType:         c.String("submodel-auth-type"),
		SubmodelAuthToken:        c.String("submodel-auth-token"),
		SubmodelAuthKeyName:      c.String("submodel-auth-key-name"),
		SubmodelS3Bucket:         c.String("submodel-s3-bucket"),
		SubmodelS3KeyPrefix:      c.String("submodel-s3-key-prefix"),
		SubmodelS3Region:         c.String("submodel-s3-region"),
		SubmodelS3Endpoint:       c.String("submodel-s3-endpoint"),
		DatabaseConnectionString: c.String("database-connection-string"),
		DatabaseTimeout:          c.Duration("database-timeout"),
		DatabaseRetryInterval:    c.Duration("database-retry-interval"),
		RedisURL:                 c.String("redis-url"),
	}

	switch cfg.SubmodelDispatcherMode {
	case "filesystem", "http", "s3":
	default:
		return Config{}, fmt.Errorf("invalid submodel-dispatcher-mode: %q (supported: filesystem, http, s3)", cfg.SubmodelDispatcherMode)
	}
	if cfg.SubmodelDispatcherMode == "http" && cfg.SubmodelHTTPBaseURL == "" {
		return Config{}, fmt.Errorf("submodel-http-base-url is required when submodel-dispatcher-mode=http")
	}
	if cfg.SubmodelDispatcherMode == "s3" && cfg.SubmodelS3Bucket == "" {
		return Config{}, fmt.Errorf("submodel-s3-bucket is required when submodel-dispatcher-mode=s3")
	}

	return cfg, nil
}
