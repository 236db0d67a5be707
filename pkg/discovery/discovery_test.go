package discovery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/dtrcache"
	"github.com/industrycore/dtr-discovery-engine/pkg/shellindex"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

type nopLister struct{}

func (nopLister) ListConnectors(context.Context, string) ([]string, error) { return nil, nil }

type dataplaneNegotiator struct {
	dataplaneURL string
}

func (n dataplaneNegotiator) Negotiate(context.Context, string, string, []types.Policy, connector.FilterExpression) (string, string, error) {
	return n.dataplaneURL, "token-abc", nil
}

func (n dataplaneNegotiator) NegotiateByAssetID(context.Context, string, string, string, []types.Policy) (string, string, error) {
	return n.dataplaneURL, "token-abc", nil
}

func (n dataplaneNegotiator) GetCatalog(context.Context, string, connector.FilterExpression, time.Duration) (connector.Catalog, error) {
	return connector.Catalog{}, nil
}

func TestDiscoverShellFindsFirstMatchingDTR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ShellDescriptor{ID: "shell-1", IDShort: "Part123"})
	}))
	defer srv.Close()

	connClient := connector.New(dataplaneNegotiator{dataplaneURL: srv.URL}, 4)
	dtrCache := dtrcache.New(dtrcache.Config{}, nopLister{}, connClient)
	dtrCache.Add("BPNL1", "https://connector.example", "asset-1", []types.Policy{[]byte(`{"p":1}`)})

	engine := discovery.New(discovery.DefaultConfig(), dtrCache, connClient, shellindex.New())

	shell, dtr, err := engine.DiscoverShell(t.Context(), "BPNL1", "shell-1", nil)
	require.NoError(t, err)
	require.Equal(t, "shell-1", shell.ID)
	require.Equal(t, "connected", dtr.Status)
}

func TestDiscoverShellNoDTRsIsNotFound(t *testing.T) {
	connClient := connector.New(dataplaneNegotiator{}, 4)
	dtrCache := dtrcache.New(dtrcache.Config{}, nopLister{}, connClient)
	engine := discovery.New(discovery.DefaultConfig(), dtrCache, connClient, shellindex.New())

	_, _, err := engine.DiscoverShell(t.Context(), "BPNL-unknown", "shell-1", nil)
	require.Error(t, err)
	require.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestDiscoverShellWithoutPoliciesIsSkipped(t *testing.T) {
	connClient := connector.New(dataplaneNegotiator{}, 4)
	dtrCache := dtrcache.New(dtrcache.Config{}, nopLister{}, connClient)
	dtrCache.Add("BPNL1", "https://connector.example", "asset-1", nil) // no policies, no DTR-cached policies either
	engine := discovery.New(discovery.DefaultConfig(), dtrCache, connClient, shellindex.New())

	_, _, err := engine.DiscoverShell(t.Context(), "BPNL1", "shell-1", nil)
	require.Error(t, err)
}
