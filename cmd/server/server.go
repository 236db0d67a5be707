package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/industrycore/dtr-discovery-engine/internal/redisstore"
	"github.com/industrycore/dtr-discovery-engine/pkg/blobstore"
	"github.com/industrycore/dtr-discovery-engine/pkg/bpndiscovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/config"
	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/dpp"
	"github.com/industrycore/dtr-discovery-engine/pkg/dtrcache"
	"github.com/industrycore/dtr-discovery-engine/pkg/httpapi"
	"github.com/industrycore/dtr-discovery-engine/pkg/persistence"
	"github.com/industrycore/dtr-discovery-engine/pkg/shellindex"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// startServer wires every component per spec §9's explicit-dependency
// redesign: one instance of each collaborator, constructed here and
// injected downward, rather than module-level singletons.
func startServer(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}

	negotiator := connector.NewManagementAPI(cfg.ManagementAPIURL, cfg.ManagementAPIKey)
	connClient := connector.New(negotiator, cfg.MaxParallelCatalogFetches)

	if cfg.DatabaseConnectionString != "" {
		store, err := persistence.Open(cfg.DatabaseConnectionString)
		if err != nil {
			return fmt.Errorf("opening edr_connections persistence: %w", err)
		}
		connClient = connector.New(negotiator, cfg.MaxParallelCatalogFetches, connector.WithPersistence(store))
	}

	lister := connector.NewConnectorDiscovery(cfg.ConnectorDiscoveryURL)
	dtrCache := dtrcache.New(dtrcache.Config{Expiration: cfg.DTRCacheExpiration}, lister, connClient)

	shells := shellindex.New()
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis-url: %w", err)
		}
		shells = shellindex.NewWithBackend(redisstore.NewStore(
			shellFromRedis, shellToRedis,
			func(shellID string) string { return "shell:" + shellID },
			goredis.NewClient(opts),
			cfg.DTRCacheExpiration,
		))
		log.Infof("shell index backed by redis at %s", opts.Addr)
	}

	engine := discovery.New(discovery.DefaultConfig(), dtrCache, connClient, shells)

	bpnClient := bpndiscovery.New(bpndiscovery.Config{
		DiscoveryFinderURL: cfg.DiscoveryFinderURL,
		IdentifierType:     cfg.BPNIdentifierType,
	})
	dppManager := dpp.New(bpnClient, engine)

	blobs, err := newBlobStore(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("initializing submodel blob store: %w", err)
	}
	log.Infof("submodel blob store ready in %s mode", cfg.SubmodelDispatcherMode)

	handler := httpapi.New(engine, dppManager, blobs)

	go func() {
		metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Infof("metrics listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil {
			log.Errorf("metrics server stopped: %s", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Infof("listening on %s", addr)
	return http.ListenAndServe(addr, handler.Router())
}

// newBlobStore selects the filesystem, HTTP or S3 submodel dispatcher
// backend per provider.submodel_dispatcher.mode.
func newBlobStore(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	switch cfg.SubmodelDispatcherMode {
	case "http":
		authType := blobstore.AuthType(cfg.SubmodelAuthType)
		if !cfg.SubmodelAuthEnabled {
			authType = blobstore.AuthNone
		}
		return blobstore.NewHTTPStore(blobstore.HTTPConfig{
			BaseURL:  cfg.SubmodelHTTPBaseURL,
			APIPath:  cfg.SubmodelHTTPAPIPath,
			Timeout:  cfg.SubmodelHTTPTimeout,
			AuthType: authType,
			Token:    cfg.SubmodelAuthToken,
			KeyName:  cfg.SubmodelAuthKeyName,
		})
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:    cfg.SubmodelS3Bucket,
			KeyPrefix: cfg.SubmodelS3KeyPrefix,
			Region:    cfg.SubmodelS3Region,
			Endpoint:  cfg.SubmodelS3Endpoint,
		})
	default:
		return blobstore.NewFilesystemStore(cfg.SubmodelPath)
	}
}

func shellToRedis(d types.ShellDescriptor) (string, error) {
	data, err := json.Marshal(d)
	return string(data), err
}

func shellFromRedis(data string) (types.ShellDescriptor, error) {
	var d types.ShellDescriptor
	err := json.Unmarshal([]byte(data), &d)
	return d, err
}
