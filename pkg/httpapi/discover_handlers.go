package httpapi

import (
	"fmt"
	"net/http"

	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

type registriesRequest struct {
	CounterPartyID string `json:"counterPartyId" validate:"required"`
}

// discoverRegistries implements POST /discover/registries.
func (h *Handler) discoverRegistries(w http.ResponseWriter, r *http.Request) {
	var req registriesRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/registries", err)
		return
	}
	dtrs := h.engine.GetDTRs(r.Context(), req.CounterPartyID)
	writeJSON(w, http.StatusOK, map[string]any{"counterPartyId": req.CounterPartyID, "dtrs": dtrs})
}

type shellsRequest struct {
	CounterPartyID string                  `json:"counterPartyId" validate:"required"`
	QuerySpec      []discovery.QueryItem   `json:"querySpec" validate:"required"`
	DTRPolicies    []types.Policy          `json:"dtrPolicies,omitempty"`
	Limit          *int                    `json:"limit,omitempty"`
	Cursor         string                  `json:"cursor,omitempty"`
}

// discoverShells implements POST /discover/shells.
func (h *Handler) discoverShells(w http.ResponseWriter, r *http.Request) {
	var req shellsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/shells", err)
		return
	}
	result, err := h.engine.DiscoverShells(r.Context(), req.CounterPartyID, req.QuerySpec, req.DTRPolicies, req.Limit, req.Cursor)
	if err != nil {
		writeError(w, "/discover/shells", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type shellRequest struct {
	CounterPartyID string         `json:"counterPartyId" validate:"required"`
	ID             string         `json:"id" validate:"required"`
	DTRPolicies    []types.Policy `json:"dtrPolicies,omitempty"`
}

// discoverShell implements POST /discover/shell.
func (h *Handler) discoverShell(w http.ResponseWriter, r *http.Request) {
	var req shellRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/shell", err)
		return
	}
	shell, dtr, err := h.engine.DiscoverShell(r.Context(), req.CounterPartyID, req.ID, req.DTRPolicies)
	if err != nil {
		writeError(w, "/discover/shell", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shellDescriptor": shell, "dtr": dtr})
}

type shellSubmodelsRequest struct {
	CounterPartyID string               `json:"counterPartyId" validate:"required"`
	ID             string               `json:"id" validate:"required"`
	DTRPolicies    []types.Policy       `json:"dtrPolicies,omitempty"`
	Governance     discovery.Governance `json:"governance,omitempty"`
}

// discoverShellSubmodels implements POST /discover/shell/submodels.
func (h *Handler) discoverShellSubmodels(w http.ResponseWriter, r *http.Request) {
	var req shellSubmodelsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/shell/submodels", err)
		return
	}
	result, err := h.engine.DiscoverSubmodels(r.Context(), req.CounterPartyID, req.ID, req.DTRPolicies, req.Governance)
	if err != nil {
		writeError(w, "/discover/shell/submodels", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type shellSubmodelRequest struct {
	CounterPartyID string               `json:"counterPartyId" validate:"required"`
	ID             string               `json:"id" validate:"required"`
	SubmodelID     string               `json:"submodelId"`
	DTRPolicies    []types.Policy       `json:"dtrPolicies,omitempty"`
	Governance     discovery.Governance `json:"governance,omitempty"`
}

// discoverShellSubmodel implements POST /discover/shell/submodel; 400 if
// submodelId is missing, per spec §6.
func (h *Handler) discoverShellSubmodel(w http.ResponseWriter, r *http.Request) {
	var req shellSubmodelRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/shell/submodel", err)
		return
	}
	if req.SubmodelID == "" {
		writeError(w, "/discover/shell/submodel", types.Tag(types.CodeInvalidInput, fmt.Errorf("submodelId is required")))
		return
	}
	data, err := h.engine.DiscoverSubmodel(r.Context(), req.CounterPartyID, req.ID, req.DTRPolicies, req.Governance, req.SubmodelID)
	if err != nil {
		writeError(w, "/discover/shell/submodel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submodelId": req.SubmodelID, "data": data})
}

type shellSubmodelsBySemanticIDRequest struct {
	CounterPartyID string         `json:"counterPartyId" validate:"required"`
	ID             string         `json:"id" validate:"required"`
	SemanticID     string         `json:"semanticId,omitempty"`
	SemanticIDs    []string       `json:"semanticIds,omitempty"`
	DTRPolicies    []types.Policy `json:"dtrPolicies,omitempty"`
	Governance     []types.Policy `json:"governance,omitempty"`
}

// discoverShellSubmodelsBySemanticID implements POST
// /discover/shell/submodels/semanticId; 400 if neither semanticId nor
// semanticIds is supplied, per spec §6.
func (h *Handler) discoverShellSubmodelsBySemanticID(w http.ResponseWriter, r *http.Request) {
	var req shellSubmodelsBySemanticIDRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, "/discover/shell/submodels/semanticId", err)
		return
	}

	keys := make([]types.SemanticKey, 0, len(req.SemanticIDs)+1)
	for _, id := range req.SemanticIDs {
		keys = append(keys, types.SemanticKey{Value: id})
	}
	if req.SemanticID != "" {
		keys = append(keys, types.SemanticKey{Value: req.SemanticID})
	}
	if len(keys) == 0 {
		writeError(w, "/discover/shell/submodels/semanticId", types.Tag(types.CodeInvalidInput, fmt.Errorf("semanticId or semanticIds is required")))
		return
	}

	result, err := h.engine.DiscoverSubmodelBySemanticIDs(r.Context(), req.CounterPartyID, req.ID, req.DTRPolicies, req.Governance, keys)
	if err != nil {
		writeError(w, "/discover/shell/submodels/semanticId", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
