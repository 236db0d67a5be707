// Package dpp implements C6, the Digital Product Passport workflow: an
// asynchronous multi-step job that parses an identifier, discovers its
// owning BPN, fans out shell discovery across candidate BPNs, locates the
// requested submodel by semantic id, and fetches its data, exposing task
// status for polling throughout.
//
// Grounded on managers/addons_service/ecopass_kit/v1/discovery.py
// (original_source/ichub-backend): DiscoveryTaskManager/DiscoveryManager.
// The module-level discovery_manager singleton there is deliberately not
// carried over (spec §9 "Module-level singletons") — Manager is an
// explicit dependency constructed once by cmd/server and injected into the
// HTTP layer.
package dpp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/metrics"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("dpp")

// Status is a DPP task's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Step names the workflow's state machine positions, in order.
type Step string

const (
	StepParsing          Step = "parsing"
	StepDiscoveringBPN   Step = "discovering_bpn"
	StepRetrievingTwin   Step = "retrieving_twin"
	StepLookingUpSubmodel Step = "looking_up_submodel"
	StepConsumingData    Step = "consuming_data"
	StepComplete         Step = "complete"
)

// Task is a DPP Task (spec §3).
type Task struct {
	TaskID      string          `json:"taskId"`
	Status      Status          `json:"status"`
	Step        Step            `json:"step"`
	Message     string          `json:"message"`
	Progress    int             `json:"progress"`
	DigitalTwin *types.ShellDescriptor `json:"digitalTwin,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// taskStore is the in-memory task map: concurrent reads, single-writer
// updates per task id (spec §4.6 "Task store").
type taskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: map[string]*Task{}}
}

func (s *taskStore) create(taskID string) *Task {
	t := &Task{
		TaskID:    taskID,
		Status:    StatusInProgress,
		Step:      StepParsing,
		Message:   "Parsing identifier...",
		Progress:  10,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	return t
}

func (s *taskStore) get(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// update overwrites step/message/progress; progress is never allowed to
// decrease (spec invariant "A task's progress is monotone non-decreasing").
// digitalTwin/data are only overwritten when non-nil, matching
// DiscoveryTaskManager.update_task's "only overwrites if not None" rule.
func (s *taskStore) update(taskID string, step Step, message string, progress int, digitalTwin *types.ShellDescriptor, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	t.Step = step
	t.Message = message
	if progress > t.Progress {
		t.Progress = progress
	}
	if digitalTwin != nil {
		t.DigitalTwin = digitalTwin
	}
	if data != nil {
		t.Data = data
	}
}

func (s *taskStore) complete(taskID string, digitalTwin *types.ShellDescriptor, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	t.Status = StatusCompleted
	t.Step = StepComplete
	t.Message = "Discovery completed successfully"
	t.Progress = 100
	t.DigitalTwin = digitalTwin
	t.Data = data
}

// markFailed preserves the step the failure occurred at and the progress
// reached so far, matching DiscoveryTaskManager.mark_failed.
func (s *taskStore) markFailed(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	t.Status = StatusFailed
	t.Error = err.Error()
}

// BPNResolver discovers the BPNs that registered a manufacturer part id.
type BPNResolver interface {
	FindBPNs(ctx context.Context, manufacturerPartID string) ([]string, error)
}

// Request is the body of POST /addons/ecopass/discover/.
type Request struct {
	ID          string              `json:"id" validate:"required"`
	SemanticID  string              `json:"semanticId" validate:"required"`
	DTRPolicies []types.Policy      `json:"dtrPolicies,omitempty"`
	Governance  discovery.Governance `json:"governance,omitempty"`
}

// Manager runs DPP workflow tasks. A single instance is held by the HTTP
// layer, constructed once at startup.
type Manager struct {
	tasks     *taskStore
	bpns      BPNResolver
	discovery *discovery.Engine
}

// New constructs a DPP workflow Manager.
func New(bpns BPNResolver, engine *discovery.Engine) *Manager {
	return &Manager{tasks: newTaskStore(), bpns: bpns, discovery: engine}
}

// CreateTask allocates a new task id and its initial "parsing" state,
// without running the workflow. Callers typically follow this immediately
// with Execute in a background goroutine so the accept path returns fast
// (spec §5 "the DPP workflow in particular returns 202 Accepted").
func (m *Manager) CreateTask() Task {
	taskID := uuid.NewString()
	return *m.tasks.create(taskID)
}

// GetTask returns a snapshot of a task's current state.
func (m *Manager) GetTask(taskID string) (Task, bool) {
	return m.tasks.get(taskID)
}

// Execute runs the full state machine for taskID against req. It never
// returns an error to the caller: every failure is captured on the task
// itself (spec §7 "the DPP workflow never throws from the accept path").
func (m *Manager) Execute(ctx context.Context, taskID string, req Request) {
	start := time.Now()
	if err := m.execute(ctx, taskID, req); err != nil {
		m.tasks.markFailed(taskID, err)
		metrics.DPPTasksTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.DPPTasksTotal.WithLabelValues("completed").Inc()
	}
	metrics.DPPTaskDuration.Observe(time.Since(start).Seconds())
}

func (m *Manager) execute(ctx context.Context, taskID string, req Request) error {
	manufacturerPartID, partInstanceID, err := parseID(req.ID)
	if err != nil {
		return err
	}

	m.tasks.update(taskID, StepDiscoveringBPN, fmt.Sprintf("Looking up BPN owner for %s...", manufacturerPartID), 25, nil, nil)
	bpnList, err := m.bpns.FindBPNs(ctx, manufacturerPartID)
	if err != nil {
		return err
	}
	if len(bpnList) == 0 {
		return fmt.Errorf("No BPN found for manufacturerPartId: %s", manufacturerPartID)
	}

	m.tasks.update(taskID, StepRetrievingTwin, fmt.Sprintf("Retrieving digital twin from DTR across %d BPN(s)...", len(bpnList)), 50, nil, nil)
	querySpec := buildQuerySpec(manufacturerPartID, partInstanceID)
	shell, matchingBPN, err := m.queryBPNsForShells(ctx, bpnList, querySpec, req.SemanticID, req.DTRPolicies)
	if err != nil {
		return err
	}

	m.tasks.update(taskID, StepLookingUpSubmodel, "Searching for submodel with matching semantic ID...", 70, nil, nil)
	submodelID := findMatchingSubmodel(shell, req.SemanticID)
	if submodelID == "" {
		return fmt.Errorf("no submodel matching semantic id %s found in shell %s", req.SemanticID, shell.ID)
	}

	m.tasks.update(taskID, StepConsumingData, "Retrieving submodel data...", 85, nil, nil)
	data, err := m.discovery.DiscoverSubmodel(ctx, matchingBPN, shell.ID, req.DTRPolicies, req.Governance, submodelID)
	if err != nil {
		return err
	}

	m.tasks.complete(taskID, &shell, data)
	return nil
}

// parseID splits "CX:<manufacturerPartId>:<partInstanceId>".
func parseID(id string) (manufacturerPartID, partInstanceID string, err error) {
	if !strings.HasPrefix(id, "CX:") {
		return "", "", types.Tag(types.CodeInvalidInput, fmt.Errorf("invalid identifier format: %q", id))
	}
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return "", "", types.Tag(types.CodeInvalidInput, fmt.Errorf("invalid identifier format: %q", id))
	}
	return parts[1], parts[2], nil
}

func buildQuerySpec(manufacturerPartID, partInstanceID string) []discovery.QueryItem {
	spec := []discovery.QueryItem{{Key: "manufacturerPartId", Value: manufacturerPartID}}
	if partInstanceID != "" {
		spec = append(spec, discovery.QueryItem{Key: "partInstanceId", Value: partInstanceID})
	}
	return spec
}

// queryBPNsForShells fans out discover_shells across every candidate BPN in
// parallel and returns the first shell whose submodel list contains
// semanticID, along with the BPN that served it.
func (m *Manager) queryBPNsForShells(ctx context.Context, bpnList []string, querySpec []discovery.QueryItem, semanticID string, dtrPolicies []types.Policy) (types.ShellDescriptor, string, error) {
	type candidate struct {
		shell types.ShellDescriptor
		bpn   string
		found bool
	}
	results := make([]candidate, len(bpnList))

	g, gctx := errgroup.WithContext(ctx)
	for i, bpn := range bpnList {
		i, bpn := i, bpn
		g.Go(func() error {
			res, err := m.discovery.DiscoverShells(gctx, bpn, querySpec, dtrPolicies, nil, "")
			if err != nil {
				log.Debugf("discover_shells for bpn %s failed: %s", bpn, err)
				return nil
			}
			for _, shell := range res.ShellDescriptors {
				if shellHasSemanticID(shell, semanticID) {
					results[i] = candidate{shell: shell, bpn: bpn, found: true}
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.found {
			return r.shell, r.bpn, nil
		}
	}
	return types.ShellDescriptor{}, "", fmt.Errorf("no shell with semantic id %s found across %d BPN(s)", semanticID, len(bpnList))
}

func shellHasSemanticID(shell types.ShellDescriptor, semanticID string) bool {
	return findMatchingSubmodel(shell, semanticID) != ""
}

func findMatchingSubmodel(shell types.ShellDescriptor, semanticID string) string {
	for _, sm := range shell.SubmodelDescriptors {
		if types.ExtractSemanticID(sm.SemanticID) == semanticID {
			return sm.ID
		}
	}
	return ""
}
