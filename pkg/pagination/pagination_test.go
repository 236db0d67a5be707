package pagination_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/pagination"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	limit := 10
	state := pagination.PageState{
		DTRStates:  map[string]pagination.DTRState{"dtr-1": {Cursor: "c1", Exhausted: false}},
		PageNumber: 2,
		Limit:      &limit,
	}

	token, err := pagination.Encode(state)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := pagination.Decode(token)
	require.NoError(t, err)
	require.Equal(t, state.PageNumber, decoded.PageNumber)
	require.Equal(t, state.DTRStates["dtr-1"], decoded.DTRStates["dtr-1"])
	require.NotNil(t, decoded.Limit)
	require.Equal(t, 10, *decoded.Limit)
}

func TestDecodeEmptyTokenIsZeroState(t *testing.T) {
	decoded, err := pagination.Decode("")
	require.NoError(t, err)
	require.Nil(t, decoded.Limit)
	require.Empty(t, decoded.DTRStates)
}

func TestDecodeMalformedTokenErrors(t *testing.T) {
	_, err := pagination.Decode("not-valid-base64!!")
	require.Error(t, err)
}

func TestIsCursorCompatible(t *testing.T) {
	ten, twenty := 10, 20

	require.True(t, pagination.IsCursorCompatible(pagination.PageState{}, nil))
	require.False(t, pagination.IsCursorCompatible(pagination.PageState{Limit: &ten}, nil))
	require.False(t, pagination.IsCursorCompatible(pagination.PageState{}, &ten))
	require.True(t, pagination.IsCursorCompatible(pagination.PageState{Limit: &ten}, &ten))
	require.False(t, pagination.IsCursorCompatible(pagination.PageState{Limit: &ten}, &twenty))
}

func TestDistributeLimit(t *testing.T) {
	total := 10
	require.Nil(t, pagination.DistributeLimit(nil, 3))

	per := pagination.DistributeLimit(&total, 3)
	require.NotNil(t, per)
	require.Equal(t, 4, *per) // ceiling division: 10/3 -> 4

	perZero := pagination.DistributeLimit(&total, 0)
	require.Equal(t, 10, *perZero)
}

func TestHasMoreData(t *testing.T) {
	require.False(t, pagination.HasMoreData(map[string]pagination.DTRState{
		"a": {Exhausted: true},
		"b": {Exhausted: true},
	}))
	require.True(t, pagination.HasMoreData(map[string]pagination.DTRState{
		"a": {Exhausted: true},
		"b": {Exhausted: false},
	}))
}

func TestEnabled(t *testing.T) {
	limit := 5
	require.False(t, pagination.Enabled(nil, ""))
	require.True(t, pagination.Enabled(&limit, ""))
	require.True(t, pagination.Enabled(nil, "cursor-token"))
}
