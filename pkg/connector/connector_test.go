package connector_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

type countingNegotiator struct {
	calls int64
}

func (n *countingNegotiator) Negotiate(_ context.Context, _, _ string, _ []types.Policy, _ connector.FilterExpression) (string, string, error) {
	atomic.AddInt64(&n.calls, 1)
	return "https://dataplane.example/", "token-123", nil
}

func (n *countingNegotiator) NegotiateByAssetID(_ context.Context, _, _, _ string, _ []types.Policy) (string, string, error) {
	atomic.AddInt64(&n.calls, 1)
	return "https://dataplane.example/", "token-456", nil
}

func (n *countingNegotiator) GetCatalog(context.Context, string, connector.FilterExpression, time.Duration) (connector.Catalog, error) {
	return connector.Catalog{}, nil
}

func TestNegotiateCachesByKey(t *testing.T) {
	neg := &countingNegotiator{}
	c := connector.New(neg, 4)
	filter := connector.FilterExpression{Key: "dct:type", Operator: "=", Value: "DigitalTwinRegistry"}

	u1, tok1, err := c.Negotiate(t.Context(), "BPNL1", "https://connector.example", nil, filter)
	require.NoError(t, err)
	require.Equal(t, "token-123", tok1)

	u2, tok2, err := c.Negotiate(t.Context(), "BPNL1", "https://connector.example", nil, filter)
	require.NoError(t, err)
	require.Equal(t, u1, u2)
	require.Equal(t, tok1, tok2)
	require.EqualValues(t, 1, atomic.LoadInt64(&neg.calls), "second call should hit the cache")
}

func TestNegotiateDifferentPoliciesMissCache(t *testing.T) {
	neg := &countingNegotiator{}
	c := connector.New(neg, 4)
	filter := connector.FilterExpression{Key: "dct:type", Operator: "=", Value: "DigitalTwinRegistry"}

	_, _, err := c.Negotiate(t.Context(), "BPNL1", "https://connector.example", []types.Policy{[]byte(`{"a":1}`)}, filter)
	require.NoError(t, err)
	_, _, err = c.Negotiate(t.Context(), "BPNL1", "https://connector.example", []types.Policy{[]byte(`{"a":2}`)}, filter)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt64(&neg.calls))
}

func TestDeleteConnectionEvictsCachedToken(t *testing.T) {
	neg := &countingNegotiator{}
	c := connector.New(neg, 4)
	filter := connector.FilterExpression{Key: "dct:type", Operator: "=", Value: "DigitalTwinRegistry"}

	_, _, err := c.Negotiate(t.Context(), "BPNL1", "https://connector.example", nil, filter)
	require.NoError(t, err)

	removed := c.DeleteConnection(t.Context(), "BPNL1", "https://connector.example", connector.FilterChecksum(filter), connector.PolicyChecksum(nil))
	require.True(t, removed)

	_, _, err = c.Negotiate(t.Context(), "BPNL1", "https://connector.example", nil, filter)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt64(&neg.calls), "eviction should force a fresh negotiation")
}

func TestForcePurgeFallsBackToAssetIDScanOnChecksumMiss(t *testing.T) {
	neg := &countingNegotiator{}
	c := connector.New(neg, 4)

	_, _, err := c.NegotiateByAssetID(t.Context(), "BPNL1", "https://connector.example", "asset-1", nil)
	require.NoError(t, err)

	purged := c.ForcePurge(t.Context(), "BPNL1", "asset-1", "https://connector.example", nil)
	require.True(t, purged)
}

func TestShellDescriptorURLEncodesSegments(t *testing.T) {
	u := connector.ShellDescriptorURL("https://dataplane.example", "shell-1")
	require.Contains(t, u, connector.EncodeID("shell-1"))

	u2 := connector.SubmodelDescriptorURL("https://dataplane.example/", "shell-1", "submodel-1")
	require.Contains(t, u2, connector.EncodeID("shell-1"))
	require.Contains(t, u2, connector.EncodeID("submodel-1"))
}
