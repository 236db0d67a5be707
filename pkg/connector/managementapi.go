package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// ManagementAPI implements Negotiator against an EDC-compatible Management
// API: DCAT catalog requests, DSP contract negotiation, and EDR retrieval.
// The dataspace-protocol negotiation itself lives behind this one outbound
// boundary (spec §6 "Connector management API (via the connector client
// library)"); production deployments are expected to point this at the
// Tractus-X EDC connector's management API.
//
// Grounded on dtr_consumer_memory_manager.py's get_catalog/negotiate call
// shape (original_source/ichub-backend), reimplemented directly against the
// wire protocol instead of wrapping the Python SDK's BaseConnectorConsumerService.
type ManagementAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pollEvery  time.Duration
	pollFor    time.Duration
}

// NewManagementAPI constructs a ManagementAPI negotiator. baseURL is the
// EDC control plane's management context root (e.g.
// "https://connector.example.com/management").
func NewManagementAPI(baseURL, apiKey string) *ManagementAPI {
	return &ManagementAPI{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pollEvery:  500 * time.Millisecond,
		pollFor:    20 * time.Second,
	}
}

func (m *ManagementAPI) request(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding management api request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("X-Api-Key", m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("management api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("management api %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type catalogRequest struct {
	Context          string          `json:"@context"`
	ProtocolType     string          `json:"protocol"`
	CounterPartyAddress string       `json:"counterPartyAddress"`
	QuerySpec        json.RawMessage `json:"querySpec,omitempty"`
}

// GetCatalog implements Negotiator.
func (m *ManagementAPI) GetCatalog(ctx context.Context, connectorURL string, filter FilterExpression, timeout time.Duration) (Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var raw struct {
		Datasets json.RawMessage `json:"dcat:dataset"`
	}
	querySpec, _ := json.Marshal([]FilterExpression{filter})
	err := m.request(ctx, http.MethodPost, "/v3/catalog/request", catalogRequest{
		Context:             "https://w3id.org/dspace/2024/1/context.json",
		ProtocolType:        "dataspace-protocol-http",
		CounterPartyAddress: connectorURL,
		QuerySpec:           querySpec,
	}, &raw)
	if err != nil {
		return Catalog{}, err
	}

	datasets, err := decodeDatasets(raw.Datasets)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Datasets: datasets}, nil
}

// decodeDatasets normalizes the DCAT "dcat:dataset" field, which may be a
// single object or an array.
func decodeDatasets(raw json.RawMessage) ([]Dataset, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		datasets := make([]Dataset, len(list))
		for i, d := range list {
			datasets[i] = Dataset{Raw: d}
		}
		return datasets, nil
	}
	return []Dataset{{Raw: raw}}, nil
}

type negotiationInitRequest struct {
	Context             string          `json:"@context"`
	ProtocolType        string          `json:"protocol"`
	ConnectorAddress    string          `json:"counterPartyAddress"`
	Policy              json.RawMessage `json:"policy"`
}

type negotiationState struct {
	State        string `json:"state"`
	ID           string `json:"@id"`
	ContractAgreementID string `json:"contractAgreementId,omitempty"`
}

// negotiateContract initiates a contract negotiation against the given
// policy and polls until it reaches FINALIZED or a terminal error state.
func (m *ManagementAPI) negotiateContract(ctx context.Context, connectorURL string, policy types.Policy) (contractAgreementID string, err error) {
	var created struct {
		ID string `json:"@id"`
	}
	err = m.request(ctx, http.MethodPost, "/v3/contractnegotiations", negotiationInitRequest{
		Context:          "https://w3id.org/dspace/2024/1/context.json",
		ProtocolType:     "dataspace-protocol-http",
		ConnectorAddress: connectorURL,
		Policy:           policy,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("initiating contract negotiation: %w", err)
	}

	deadline := time.Now().Add(m.pollFor)
	for time.Now().Before(deadline) {
		var state negotiationState
		if err := m.request(ctx, http.MethodGet, "/v3/contractnegotiations/"+created.ID, nil, &state); err != nil {
			return "", fmt.Errorf("polling contract negotiation %s: %w", created.ID, err)
		}
		switch state.State {
		case "FINALIZED":
			return state.ContractAgreementID, nil
		case "TERMINATED", "ERROR":
			return "", fmt.Errorf("contract negotiation %s terminated in state %s", created.ID, state.State)
		}
		select {
		case <-time.After(m.pollEvery):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("contract negotiation %s did not finalize within %s", created.ID, m.pollFor)
}

type edrRequest struct {
	Context             string `json:"@context"`
	ConnectorAddress    string `json:"connectorAddress"`
	ContractID          string `json:"contractId"`
	ProtocolType        string `json:"protocol"`
}

type edrDataAddress struct {
	EndpointURL string `json:"endpoint"`
	AuthCode    string `json:"authorization"`
}

// negotiateTransfer starts an EDR-backed transfer process for the agreed
// contract and returns the resulting dataplane URL and access token.
func (m *ManagementAPI) negotiateTransfer(ctx context.Context, connectorURL, contractAgreementID string) (dataplaneURL, accessToken string, err error) {
	var created struct {
		ID string `json:"@id"`
	}
	err = m.request(ctx, http.MethodPost, "/v3/transferprocesses", edrRequest{
		Context:          "https://w3id.org/dspace/2024/1/context.json",
		ConnectorAddress: connectorURL,
		ContractID:       contractAgreementID,
		ProtocolType:     "dataspace-protocol-http",
	}, &created)
	if err != nil {
		return "", "", fmt.Errorf("initiating transfer process: %w", err)
	}

	deadline := time.Now().Add(m.pollFor)
	for time.Now().Before(deadline) {
		var addr edrDataAddress
		err := m.request(ctx, http.MethodGet, "/v3/edrs/"+created.ID+"/dataaddress", nil, &addr)
		if err == nil && addr.EndpointURL != "" {
			return addr.EndpointURL, addr.AuthCode, nil
		}
		select {
		case <-time.After(m.pollEvery):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return "", "", fmt.Errorf("transfer process %s did not produce an EDR within %s", created.ID, m.pollFor)
}

// Negotiate implements Negotiator by running the full catalog-free contract
// negotiation + transfer flow against the first supplied policy.
func (m *ManagementAPI) Negotiate(ctx context.Context, bpn, address string, policies []types.Policy, filter FilterExpression) (string, string, error) {
	if len(policies) == 0 {
		return "", "", fmt.Errorf("no policy supplied for negotiation against %s", address)
	}
	agreementID, err := m.negotiateContract(ctx, address, policies[0])
	if err != nil {
		return "", "", err
	}
	return m.negotiateTransfer(ctx, address, agreementID)
}

// NegotiateByAssetID implements Negotiator identically to Negotiate: the
// asset id is already encoded in the policy's target constraint by the
// caller, matching the original's per-asset negotiation call shape.
func (m *ManagementAPI) NegotiateByAssetID(ctx context.Context, bpn, address, assetID string, policies []types.Policy) (string, string, error) {
	if len(policies) == 0 {
		return "", "", fmt.Errorf("no policy supplied for negotiation of asset %s", assetID)
	}
	agreementID, err := m.negotiateContract(ctx, address, policies[0])
	if err != nil {
		return "", "", err
	}
	return m.negotiateTransfer(ctx, address, agreementID)
}
