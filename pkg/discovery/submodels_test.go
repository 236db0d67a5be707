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

type assetNegotiator struct {
	dataplaneURL string
}

func (n assetNegotiator) Negotiate(context.Context, string, string, []types.Policy, connector.FilterExpression) (string, string, error) {
	return n.dataplaneURL, "token-abc", nil
}

func (n assetNegotiator) NegotiateByAssetID(context.Context, string, string, string, []types.Policy) (string, string, error) {
	return n.dataplaneURL, "token-abc", nil
}

func (n assetNegotiator) GetCatalog(context.Context, string, connector.FilterExpression, time.Duration) (connector.Catalog, error) {
	return connector.Catalog{}, nil
}

func newShellWithSubmodel(semanticID, href string) types.ShellDescriptor {
	return types.ShellDescriptor{
		ID: "shell-1",
		SubmodelDescriptors: []types.SubmodelDescriptor{
			{
				ID:         "submodel-1",
				SemanticID: json.RawMessage(`"` + semanticID + `"`),
				Endpoints: []types.Endpoint{
					{
						Interface: "SUBMODEL-3.0",
						ProtocolInformation: types.ProtocolInfo{
							Href:            href,
							SubprotocolBody: "id=asset-1;dspEndpoint=https://connector.example",
						},
					},
				},
			},
		},
	}
}

func setupEngine(t *testing.T, dataplaneURL string, shell types.ShellDescriptor) *discovery.Engine {
	t.Helper()
	shellSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(shell)
	}))
	t.Cleanup(shellSrv.Close)

	connClient := connector.New(assetNegotiator{dataplaneURL: shellSrv.URL}, 4)
	dtrCache := dtrcache.New(dtrcache.Config{}, nopLister{}, connClient)
	dtrCache.Add("BPNL1", "https://connector.example", "dtr-asset-1", []types.Policy{[]byte(`{"p":1}`)})

	return discovery.New(discovery.DefaultConfig(), dtrCache, connClient, shellindex.New())
}

func TestDiscoverSubmodelsUngovernedSemanticIDIsMarked(t *testing.T) {
	shell := newShellWithSubmodel("urn:samm:io.catenax.part:1.0.0#Part", "/submodel-1/data")
	engine := setupEngine(t, "", shell)

	result, err := engine.DiscoverSubmodels(t.Context(), "BPNL1", "shell-1", nil, discovery.Governance{})
	require.NoError(t, err)
	require.Len(t, result.SubmodelDescriptors, 1)
	require.Equal(t, "governance_not_found", result.SubmodelDescriptors[0].Status)
}

func TestDiscoverSubmodelsFetchesGovernedSubmodel(t *testing.T) {
	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":42}`))
	}))
	defer dataSrv.Close()

	shell := newShellWithSubmodel("urn:samm:io.catenax.part:1.0.0#Part", dataSrv.URL+"/submodel-1/data")
	engine := setupEngine(t, "", shell)

	governance := discovery.Governance{"urn:samm:io.catenax.part:1.0.0#Part": []types.Policy{[]byte(`{"p":1}`)}}
	result, err := engine.DiscoverSubmodels(t.Context(), "BPNL1", "shell-1", nil, governance)
	require.NoError(t, err)
	require.Len(t, result.SubmodelDescriptors, 1)
	require.Equal(t, "success", result.SubmodelDescriptors[0].Status)
	require.JSONEq(t, `{"value":42}`, string(result.Submodels["submodel-1"]))
}

func TestDiscoverSubmodelBySemanticIDsRequiresFullKeySet(t *testing.T) {
	shell := newShellWithSubmodel("urn:samm:io.catenax.part:1.0.0#Part", "/submodel-1/data")
	engine := setupEngine(t, "", shell)

	_, err := engine.DiscoverSubmodelBySemanticIDs(t.Context(), "BPNL1", "shell-1", nil, nil, []types.SemanticKey{{Type: "GlobalReference", Value: "urn:samm:does-not-match"}})
	require.Error(t, err)
	require.Equal(t, types.CodeNotFound, types.CodeOf(err))
}
