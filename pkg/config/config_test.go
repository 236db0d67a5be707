package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/config"
)

func runFlags(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var got config.Config
	var runErr error
	app := &cli.App{
		Flags: config.Flags(),
		Action: func(c *cli.Context) error {
			got, runErr = config.FromContext(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"dtr-discovery-engine"}, args...)))
	return got, runErr
}

func TestFromContextDefaults(t *testing.T) {
	cfg, err := runFlags(t)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "filesystem", cfg.SubmodelDispatcherMode)
	require.Equal(t, "./data/submodels", cfg.SubmodelPath)
}

func TestFromContextRejectsUnknownDispatcherMode(t *testing.T) {
	_, err := runFlags(t, "--submodel-dispatcher-mode", "ftp")
	require.Error(t, err)
}

func TestFromContextRequiresHTTPBaseURLInHTTPMode(t *testing.T) {
	_, err := runFlags(t, "--submodel-dispatcher-mode", "http")
	require.Error(t, err)

	cfg, err := runFlags(t, "--submodel-dispatcher-mode", "http", "--submodel-http-base-url", "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", cfg.SubmodelHTTPBaseURL)
}

func TestFromContextRequiresS3BucketInS3Mode(t *testing.T) {
	_, err := runFlags(t, "--submodel-dispatcher-mode", "s3")
	require.Error(t, err)

	cfg, err := runFlags(t, "--submodel-dispatcher-mode", "s3", "--submodel-s3-bucket", "my-bucket")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", cfg.SubmodelS3Bucket)
}
