package dpp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/dpp"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

func TestManagerCreateTaskInitialState(t *testing.T) {
	m := dpp.New(nil, nil)
	task := m.CreateTask()

	require.NotEmpty(t, task.TaskID)
	require.Equal(t, dpp.StatusInProgress, task.Status)
	require.Equal(t, dpp.StepParsing, task.Step)
	require.Equal(t, 10, task.Progress)

	got, ok := m.GetTask(task.TaskID)
	require.True(t, ok)
	require.Equal(t, task.TaskID, got.TaskID)
}

func TestManagerGetTaskMissing(t *testing.T) {
	m := dpp.New(nil, nil)
	_, ok := m.GetTask("does-not-exist")
	require.False(t, ok)
}

func TestExecuteFailsOnMalformedID(t *testing.T) {
	m := dpp.New(nil, discovery.New(discovery.DefaultConfig(), nil, nil, nil))
	task := m.CreateTask()

	m.Execute(t.Context(), task.TaskID, dpp.Request{ID: "not-a-valid-id", SemanticID: "urn:example"})

	got, ok := m.GetTask(task.TaskID)
	require.True(t, ok)
	require.Equal(t, dpp.StatusFailed, got.Status)
	require.Contains(t, got.Error, "invalid identifier format")
	// the failing step's progress (10, from parsing) must survive, never reset.
	require.Equal(t, 10, got.Progress)
}

func TestExtractSemanticIDAgreesOnBothShapes(t *testing.T) {
	require.Equal(t, "urn:example", types.ExtractSemanticID([]byte(`"urn:example"`)))
	require.Equal(t, "urn:example", types.ExtractSemanticID([]byte(`{"keys":[{"value":"urn:example"}]}`)))
}
