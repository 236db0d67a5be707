package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/dpp"
	"github.com/industrycore/dtr-discovery-engine/pkg/httpapi"
)

// noBPNs resolves every identifier to no BPN, so a background workflow
// started by an accepted request fails at discovering_bpn.
type noBPNs struct{}

func (noBPNs) FindBPNs(context.Context, string) ([]string, error) { return nil, nil }

func newTestHandler(t *testing.T) *httpapi.Handler {
	t.Helper()
	engine := discovery.New(discovery.DefaultConfig(), nil, nil, nil)
	dppManager := dpp.New(noBPNs{}, engine)
	return httpapi.New(engine, dppManager, nil)
}

func TestCreateDPPTaskRejectsInvalidBody(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/addons/ecopass/discover/", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(http.StatusBadRequest), body["status"])
}

func TestCreateDPPTaskAcceptsValidBodyAndStatusIsPollable(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	payload := `{"id":"CX:MANUFACTURER:INSTANCE","semanticId":"urn:example"}`
	resp, err := http.Post(srv.URL+"/addons/ecopass/discover/", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.TaskID)

	statusResp, err := http.Get(srv.URL + "/addons/ecopass/discover/" + created.TaskID + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
}

func TestGetDPPTaskStatusUnknownTaskIs404(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/addons/ecopass/discover/does-not-exist/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiscoverShellsRejectsMissingQuerySpec(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/discover/shells", "application/json", bytes.NewBufferString(`{"counterPartyId":"BPNL000000000000"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiscoverShellSubmodelRejectsMissingSubmodelID(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	payload := `{"counterPartyId":"BPNL000000000000","id":"shell-1"}`
	resp, err := http.Post(srv.URL+"/discover/shell/submodel", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
