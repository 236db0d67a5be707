package dtrcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/dtrcache"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

type stubLister struct {
	endpoints []string
	err       error
}

func (s stubLister) ListConnectors(context.Context, string) ([]string, error) {
	return s.endpoints, s.err
}

type stubNegotiator struct {
	dataset []byte
}

func (s stubNegotiator) Negotiate(context.Context, string, string, []types.Policy, connector.FilterExpression) (string, string, error) {
	return "", "", nil
}

func (s stubNegotiator) NegotiateByAssetID(context.Context, string, string, string, []types.Policy) (string, string, error) {
	return "", "", nil
}

func (s stubNegotiator) GetCatalog(context.Context, string, connector.FilterExpression, time.Duration) (connector.Catalog, error) {
	return connector.Catalog{Datasets: []connector.Dataset{{Raw: s.dataset}}}, nil
}

func TestAddIsIdempotentButRefreshesExpiry(t *testing.T) {
	c := dtrcache.New(dtrcache.Config{Expiration: time.Minute}, stubLister{}, connector.New(stubNegotiator{}, 1))

	c.Add("BPNL1", "https://a.example", "asset-1", []types.Policy{[]byte(`{"p":1}`)})
	c.Add("BPNL1", "https://b.example", "asset-1", []types.Policy{[]byte(`{"p":2}`)})

	entry, ok := c.GetByAssetID("BPNL1", "asset-1")
	require.True(t, ok)
	require.Equal(t, "https://a.example", entry.ConnectorURL, "duplicate insert must not overwrite")
	require.False(t, c.IsExpired("BPNL1"))
}

func TestGetDTRsRefreshesFromCatalogWhenExpired(t *testing.T) {
	dataset := []byte(`{
		"https://w3id.org/edc/v0.0.1/ns/id": "dtr-asset",
		"dct:type": "https://w3id.org/catenax/taxonomy#DigitalTwinRegistry",
		"odrl:hasPolicy": {"@id": "p1", "@type": "odrl:Offer", "target": "dtr-asset"}
	}`)
	lister := stubLister{endpoints: []string{"https://connector.example"}}
	client := connector.New(stubNegotiator{dataset: dataset}, 4)
	c := dtrcache.New(dtrcache.Config{Expiration: time.Minute}, lister, client)

	entries := c.GetDTRs(t.Context(), "BPNL1", time.Second)
	require.Len(t, entries, 1)
	require.Equal(t, "dtr-asset", entries[0].AssetID)
	require.False(t, c.IsExpired("BPNL1"))
}

func TestGetDTRsSkipsNonDTRDatasets(t *testing.T) {
	dataset := []byte(`{
		"https://w3id.org/edc/v0.0.1/ns/id": "other-asset",
		"dct:type": "https://w3id.org/catenax/taxonomy#SomethingElse"
	}`)
	lister := stubLister{endpoints: []string{"https://connector.example"}}
	client := connector.New(stubNegotiator{dataset: dataset}, 4)
	c := dtrcache.New(dtrcache.Config{Expiration: time.Minute}, lister, client)

	entries := c.GetDTRs(t.Context(), "BPNL1", time.Second)
	require.Empty(t, entries)
}

func TestPurgeAllClearsEveryShard(t *testing.T) {
	c := dtrcache.New(dtrcache.Config{Expiration: time.Minute}, stubLister{}, connector.New(stubNegotiator{}, 1))
	c.Add("BPNL1", "https://a.example", "asset-1", nil)
	c.Add("BPNL2", "https://b.example", "asset-2", nil)

	c.PurgeAll()

	require.True(t, c.IsExpired("BPNL1"))
	require.True(t, c.IsExpired("BPNL2"))
}
