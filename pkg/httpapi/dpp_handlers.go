package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/industrycore/dtr-discovery-engine/pkg/dpp"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// taskStatusView is the status block embedded in the 202 response;
// getDPPTaskStatus returns the full dpp.Task instead.
type taskStatusView struct {
	Status   dpp.Status `json:"status"`
	Step     dpp.Step   `json:"step"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`
}

type createDPPTaskResponse struct {
	TaskID string         `json:"taskId"`
	Status taskStatusView `json:"status"`
}

// createDPPTask implements POST /addons/ecopass/discover/ (spec §6): it
// accepts immediately with 202 and runs the workflow off the request path.
func (h *Handler) createDPPTask(w http.ResponseWriter, r *http.Request) {
	var req dpp.Request
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/addons/ecopass/discover/", err)
		return
	}

	task := h.dpp.CreateTask()
	go h.dpp.Execute(context.Background(), task.TaskID, req)

	writeJSON(w, http.StatusAccepted, createDPPTaskResponse{
		TaskID: task.TaskID,
		Status: taskStatusView{Status: task.Status, Step: task.Step, Progress: task.Progress, Message: task.Message},
	})
}

// getDPPTaskStatus implements GET /addons/ecopass/discover/{taskId}/status.
func (h *Handler) getDPPTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	task, ok := h.dpp.GetTask(taskID)
	if !ok {
		writeError(w, "/addons/ecopass/discover/{taskId}/status", types.Tag(types.CodeNotFound, fmt.Errorf("task %q not found", taskID)))
		return
	}
	writeJSON(w, http.StatusOK, task)
}
