// Package types holds the domain model shared across the discovery engine:
// digital twin and submodel descriptors, the error taxonomy used to map
// failures onto HTTP status codes, and the generic Store/Cache interfaces
// (internal/redisstore implements Cache).
package types

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrKeyNotFound means the key did not exist in the cache or store.
var ErrKeyNotFound = errors.New("key not found")

// Store describes a generic storage interface.
type Store[Key, Value any] interface {
	// Put adds (or replaces) an item in the store.
	Put(ctx context.Context, key Key, value Value) error
	// Get retrieves an existing item from the store. If the item does not
	// exist, it returns [ErrKeyNotFound].
	Get(ctx context.Context, key Key) (Value, error)
}

// Cache describes a generic cache interface with optional expiry.
type Cache[Key, Value any] interface {
	Set(ctx context.Context, key Key, value Value, expires bool) error
	SetExpirable(ctx context.Context, key Key, expires bool) error
	Get(ctx context.Context, key Key) (Value, error)
	// Delete evicts a single entry. Implementations return nil if the key
	// was already absent.
	Delete(ctx context.Context, key Key) error
}

// Code is the error taxonomy used to pick an HTTP status in pkg/httpapi.
// It replaces substring matching on error messages with a typed tag that
// travels with the error through fmt.Errorf("...: %w", err) wrapping.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodePolicyMismatch
	CodeNegotiationFailed
	CodeTimeout
	CodeInvalidInput
)

// TaggedError pairs an error with a taxonomy code.
type TaggedError struct {
	Code Code
	Err  error
}

func (e *TaggedError) Error() string { return e.Err.Error() }
func (e *TaggedError) Unwrap() error { return e.Err }

// Tag wraps err with a taxonomy code. Tag(nil, ...) returns nil.
func Tag(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{Code: code, Err: err}
}

// CodeOf inspects err for a [TaggedError] in its wrap chain and returns its
// code, or CodeUnknown if untagged.
func CodeOf(err error) Code {
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return CodeUnknown
}

// ErrNotFound is a generic not-found sentinel. The engine's own not-found
// results are errors tagged with CodeNotFound, not this value.
var ErrNotFound = errors.New("not found")

// ExtractSemanticID is the tolerant extraction of a submodel's semantic id.
// The field arrives in one of three shapes in the wild:
//
//	{"keys": [{"type": "...", "value": "urn:..."}]}
//	{"value": "urn:..."}
//	"urn:..."
//
// ExtractSemanticID normalizes all three to a plain string, returning "" if
// none apply.
func ExtractSemanticID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var withKeys struct {
		Keys []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &withKeys); err == nil && len(withKeys.Keys) > 0 {
		return withKeys.Keys[0].Value
	}

	var withValue struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &withValue); err == nil && withValue.Value != "" {
		return withValue.Value
	}

	return ""
}

// SemanticID describes a submodel's semantic identifier in both raw and
// normalized form, so callers can re-emit the original shape to clients.
type SemanticID struct {
	Normalized string          `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// SubmodelDescriptor is a single entry of a shell's submodelDescriptors
// array, as returned by a DTR.
type SubmodelDescriptor struct {
	ID         string          `json:"id"`
	IDShort    string          `json:"idShort,omitempty"`
	SemanticID json.RawMessage `json:"semanticId,omitempty"`
	Endpoints  []Endpoint      `json:"endpoints,omitempty"`
}

// Endpoint is one interface entry of a submodel descriptor's endpoints
// array. Interface distinguishes AAS "SUBMODEL-3.0" style endpoints from
// others; ProtocolInformation carries the href and (for SUBMODEL-3.0) the
// subprotocolBody string encoding "id=<assetId>;dspEndpoint=<connectorUrl>".
type Endpoint struct {
	Interface        string           `json:"interface,omitempty"`
	ProtocolInformation ProtocolInfo  `json:"protocolInformation"`
}

// ProtocolInfo is an endpoint's protocolInformation block.
type ProtocolInfo struct {
	Href            string `json:"href"`
	SubprotocolBody string `json:"subprotocolBody,omitempty"`
}

// ShellDescriptor is an AAS shell descriptor as returned by a DTR's
// lookup/shell-descriptors endpoint.
type ShellDescriptor struct {
	ID                 string               `json:"id"`
	IDShort            string               `json:"idShort,omitempty"`
	GlobalAssetID      string               `json:"globalAssetId,omitempty"`
	SpecificAssetIDs   json.RawMessage      `json:"specificAssetIds,omitempty"`
	SubmodelDescriptors []SubmodelDescriptor `json:"submodelDescriptors,omitempty"`
}

// SemanticKey is one {type, value} pair of a semanticId.keys sequence.
type SemanticKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ExtractSemanticKeys returns the full {(type,value)} set of a semantic id,
// used for multi-key subset matching in discover_submodel_by_semantic_ids.
// A plain-string or {value}-shaped semantic id yields a single key with an
// empty Type.
func ExtractSemanticKeys(raw json.RawMessage) []SemanticKey {
	if len(raw) == 0 {
		return nil
	}
	var withKeys struct {
		Keys []SemanticKey `json:"keys"`
	}
	if err := json.Unmarshal(raw, &withKeys); err == nil && len(withKeys.Keys) > 0 {
		return withKeys.Keys
	}
	if v := ExtractSemanticID(raw); v != "" {
		return []SemanticKey{{Value: v}}
	}
	return nil
}

// SubmodelEndpointInfo is the normalized result of extracting a
// SUBMODEL-3.0 endpoint's connection details.
type SubmodelEndpointInfo struct {
	Href         string
	AssetID      string
	ConnectorURL string
}

// ExtractSubmodelEndpoint picks the SUBMODEL-3.0 interface endpoint from a
// submodel descriptor and parses its href and subprotocolBody
// ("id=<assetId>;dspEndpoint=<connectorUrl>") into a SubmodelEndpointInfo.
// Reports ok=false if no SUBMODEL-3.0 endpoint, or no subprotocolBody, is
// present.
func ExtractSubmodelEndpoint(d SubmodelDescriptor) (info SubmodelEndpointInfo, ok bool) {
	for _, ep := range d.Endpoints {
		if ep.Interface != "SUBMODEL-3.0" {
			continue
		}
		info.Href = strings.TrimPrefix(ep.ProtocolInformation.Href, "urn:uuid:")
		fields := parseSubprotocolBody(ep.ProtocolInformation.SubprotocolBody)
		info.AssetID = fields["id"]
		info.ConnectorURL = fields["dspEndpoint"]
		if info.AssetID == "" || info.ConnectorURL == "" {
			return SubmodelEndpointInfo{}, false
		}
		return info, true
	}
	return SubmodelEndpointInfo{}, false
}

// parseSubprotocolBody parses a "k1=v1;k2=v2" string into a map.
func parseSubprotocolBody(body string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(body, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// Policy is an ODRL policy as negotiated against a connector's catalog. It
// is kept as opaque JSON since the discovery engine never interprets policy
// semantics itself, only forwards them to the connector.
type Policy = json.RawMessage
