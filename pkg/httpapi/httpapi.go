// Package httpapi exposes the discovery engine's inbound HTTP surface
// (spec §6): the DPP workflow accept/status endpoints and the six
// synchronous discover/* endpoints, routed with chi.Router and validated
// with go-playground/validator, matching the chi-based HTTP servers found
// elsewhere in the retrieved example pack.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/blobstore"
	"github.com/industrycore/dtr-discovery-engine/pkg/discovery"
	"github.com/industrycore/dtr-discovery-engine/pkg/dpp"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("httpapi")

var validate = validator.New()

// Handler holds the collaborators the inbound surface dispatches to. blobs
// is held for startup wiring symmetry with engine and dpp; C7's façade has
// no inbound route of its own per spec §6, so it is never dereferenced by a
// handler.
type Handler struct {
	engine *discovery.Engine
	dpp    *dpp.Manager
	blobs  blobstore.Store
}

// New constructs a Handler.
func New(engine *discovery.Engine, dppManager *dpp.Manager, blobs blobstore.Store) *Handler {
	return &Handler{engine: engine, dpp: dppManager, blobs: blobs}
}

// Router builds the chi.Router exposing every endpoint of spec §6.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/addons/ecopass/discover/", h.createDPPTask)
	r.Get("/addons/ecopass/discover/{taskId}/status", h.getDPPTaskStatus)
	r.Post("/discover/registries", h.discoverRegistries)
	r.Post("/discover/shells", h.discoverShells)
	r.Post("/discover/shell", h.discoverShell)
	r.Post("/discover/shell/submodels", h.discoverShellSubmodels)
	r.Post("/discover/shell/submodel", h.discoverShellSubmodel)
	r.Post("/discover/shell/submodels/semanticId", h.discoverShellSubmodelsBySemanticID)

	return r
}

// errorEnvelope is the {error, status, endpoint?} JSON body of spec §7.
type errorEnvelope struct {
	Error    string `json:"error"`
	Status   int    `json:"status"`
	Endpoint string `json:"endpoint,omitempty"`
}

// statusFor maps an error's taxonomy code to an HTTP status. It never
// inspects the error message; an untagged error maps to 500.
func statusFor(err error) int {
	switch types.CodeOf(err) {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeInvalidInput:
		return http.StatusBadRequest
	case types.CodePolicyMismatch, types.CodeNegotiationFailed:
		return http.StatusForbidden
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warnf("encoding response: %s", err)
	}
}

func writeError(w http.ResponseWriter, endpoint string, err error) {
	status := statusFor(err)
	log.Warnf("%s: %s", endpoint, err)
	writeJSON(w, status, errorEnvelope{Error: err.Error(), Status: status, Endpoint: endpoint})
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.Tag(types.CodeInvalidInput, err)
	}
	if err := validate.Struct(dst); err != nil {
		return types.Tag(types.CodeInvalidInput, err)
	}
	return nil
}
