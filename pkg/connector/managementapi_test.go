package connector_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

func TestManagementAPIGetCatalogNormalizesSingletonDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/catalog/request", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"dcat:dataset": map[string]any{"@id": "asset-1"}})
	}))
	defer srv.Close()

	m := connector.NewManagementAPI(srv.URL, "")
	catalog, err := m.GetCatalog(t.Context(), srv.URL, connector.FilterExpression{Key: "k", Operator: "=", Value: "v"}, time.Second)
	require.NoError(t, err)
	require.Len(t, catalog.Datasets, 1)
}

func TestManagementAPINegotiatePollsUntilFinalized(t *testing.T) {
	var negotiationCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/contractnegotiations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"@id": "negotiation-1"})
			return
		}
	})
	mux.HandleFunc("/v3/contractnegotiations/negotiation-1", func(w http.ResponseWriter, r *http.Request) {
		negotiationCalls++
		state := "REQUESTED"
		if negotiationCalls > 1 {
			state = "FINALIZED"
		}
		json.NewEncoder(w).Encode(map[string]string{"@id": "negotiation-1", "state": state, "contractAgreementId": "agreement-1"})
	})
	mux.HandleFunc("/v3/transferprocesses", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"@id": "transfer-1"})
	})
	mux.HandleFunc("/v3/edrs/transfer-1/dataaddress", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"endpoint": "https://dataplane.example/", "authorization": "token-xyz"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := connector.NewManagementAPI(srv.URL, "api-key")
	dataplaneURL, token, err := m.Negotiate(t.Context(), "BPNL1", srv.URL, []types.Policy{[]byte(`{}`)}, connector.FilterExpression{})
	require.NoError(t, err)
	require.Equal(t, "https://dataplane.example/", dataplaneURL)
	require.Equal(t, "token-xyz", token)
	require.GreaterOrEqual(t, negotiationCalls, 2)
}

func TestManagementAPINegotiateTerminatedFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/contractnegotiations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"@id": "negotiation-1"})
	})
	mux.HandleFunc("/v3/contractnegotiations/negotiation-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"@id": "negotiation-1", "state": "TERMINATED"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := connector.NewManagementAPI(srv.URL, "")
	_, _, err := m.Negotiate(t.Context(), "BPNL1", srv.URL, []types.Policy{[]byte(`{}`)}, connector.FilterExpression{})
	require.Error(t, err)
}

func TestConnectorDiscoveryListConnectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		require.Equal(t, "BPNL1", req["bpn"])
		json.NewEncoder(w).Encode(map[string][]string{"connectorEndpoints": {"https://connector-a.example", "https://connector-b.example"}})
	}))
	defer srv.Close()

	d := connector.NewConnectorDiscovery(srv.URL)
	endpoints, err := d.ListConnectors(t.Context(), "BPNL1")
	require.NoError(t, err)
	require.Equal(t, []string{"https://connector-a.example", "https://connector-b.example"}, endpoints)
}
