// Package blobstore implements C7, the Submodel Blob Store Façade: a
// uniform read/write/delete/exists contract over a content-addressed local
// filesystem, a remote HTTP submodel service, or an S3 bucket, keyed by
// (semantic id, submodel id).
//
// Grounded on managers/enablement_services/submodel_service_manager.py and
// its adapters/http_submodel_adapter.py (original_source/ichub-backend).
// SubmodelServiceManager's single adapter field plus a runtime type switch
// is replaced with the Store interface and three concrete implementations,
// selected once at startup by cmd/server per spec §9's DI redesign note.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("blobstore")

// Store is the façade every backend implements.
type Store interface {
	Read(ctx context.Context, semanticID, submodelID string) (json.RawMessage, error)
	Write(ctx context.Context, semanticID, submodelID string, payload json.RawMessage) error
	Delete(ctx context.Context, semanticID, submodelID string) error
	Exists(ctx context.Context, semanticID, submodelID string) (bool, error)
}

// HashPath returns the content-addressed path components
// {sha256(semanticID)}/{submodelID}.json described by spec §4.7.
func HashPath(semanticID, submodelID string) (dir, file string) {
	sum := sha256.Sum256([]byte(semanticID))
	dir = hex.EncodeToString(sum[:])
	file = filepath.Join(dir, submodelID+".json")
	return dir, file
}

// FilesystemStore stores submodels at {root}/{sha256(semanticId)}/{submodelId}.json.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed and verifies it is
// writable; per spec §4.7 lack of write permission is fatal at startup.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving submodel storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating submodel storage directory %s: %w", abs, err)
	}
	probe := filepath.Join(abs, ".write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o600); err != nil {
		return nil, fmt.Errorf("submodel storage directory %s is not writable: %w", abs, err)
	}
	_ = os.Remove(probe)
	log.Infof("submodel storage initialized at %s", abs)
	return &FilesystemStore{root: abs}, nil
}

func (s *FilesystemStore) fullPath(semanticID, submodelID string) string {
	_, rel := HashPath(semanticID, submodelID)
	return filepath.Join(s.root, rel)
}

func (s *FilesystemStore) Read(_ context.Context, semanticID, submodelID string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.fullPath(semanticID, submodelID))
	if os.IsNotExist(err) {
		return nil, types.Tag(types.CodeNotFound, fmt.Errorf("submodel file not found: %s/%s", semanticID, submodelID))
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *FilesystemStore) Write(_ context.Context, semanticID, submodelID string, payload json.RawMessage) error {
	full := s.fullPath(semanticID, submodelID)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, payload, 0o644)
}

func (s *FilesystemStore) Delete(_ context.Context, semanticID, submodelID string) error {
	full := s.fullPath(semanticID, submodelID)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return types.Tag(types.CodeNotFound, fmt.Errorf("submodel file not found: %s/%s", semanticID, submodelID))
		}
		return err
	}
	return nil
}

func (s *FilesystemStore) Exists(_ context.Context, semanticID, submodelID string) (bool, error) {
	_, err := os.Stat(s.fullPath(semanticID, submodelID))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// AuthType selects how HTTPStore authenticates outbound requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apikey"
)

// HTTPConfig configures an HTTPStore from provider.submodel_dispatcher.http.
type HTTPConfig struct {
	BaseURL  string
	APIPath  string
	Timeout  time.Duration
	AuthType AuthType
	Token    string // may use "${ENV_VAR}" substitution, resolved by NewHTTPStore
	KeyName  string // header name for AuthAPIKey, e.g. "X-Api-Key"
}

// resolveToken expands "${NAME}" into the environment variable NAME.
func resolveToken(token string) string {
	if strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}") {
		name := strings.TrimSuffix(strings.TrimPrefix(token, "${"), "}")
		value := os.Getenv(name)
		if value == "" {
			log.Warnf("environment variable %s not set for submodel dispatcher auth token", name)
		}
		return value
	}
	return token
}

// HTTPStore is the remote submodel service backend. It also answers the
// legacy sha256-path interface via an in-memory reverse lookup cache
// populated on first semantic-aware call, for filesystem-layout interop
// (spec §4.7 "thin legacy path-based interface").
type HTTPStore struct {
	cfg    HTTPConfig
	client *http.Client

	mu        sync.RWMutex
	semantics map[string]string // sha256(semanticId) -> semanticId
}

// NewHTTPStore constructs an HTTPStore. cfg.AuthType defaults to AuthAPIKey
// when unset, matching HttpSubmodelAdapter's backward-compatible default.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing required configuration: provider.submodel_dispatcher.http.base_url")
	}
	if cfg.AuthType == "" {
		cfg.AuthType = AuthAPIKey
	}
	if cfg.AuthType == AuthAPIKey && cfg.KeyName == "" {
		cfg.KeyName = "X-Api-Key"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.APIPath = strings.TrimSuffix(cfg.APIPath, "/")
	cfg.Token = resolveToken(cfg.Token)

	return &HTTPStore{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		semantics: map[string]string{},
	}, nil
}

func (s *HTTPStore) cacheSemanticID(semanticID string) {
	sha, _ := HashPath(semanticID, "")
	s.mu.Lock()
	s.semantics[sha] = semanticID
	s.mu.Unlock()
}

// ResolveLegacyPath resolves a {sha256}/{uuid}.json-style legacy path to the
// (semanticID, submodelID) pair this store needs, using the reverse cache.
func (s *HTTPStore) ResolveLegacyPath(path string) (semanticID, submodelID string, ok bool) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	submodelID = strings.TrimSuffix(parts[1], ".json")
	s.mu.RLock()
	semanticID, ok = s.semantics[parts[0]]
	s.mu.RUnlock()
	return semanticID, submodelID, ok
}

func (s *HTTPStore) url(semanticID, submodelID string) string {
	return fmt.Sprintf("%s%s/%s/%s/submodel", s.cfg.BaseURL, s.cfg.APIPath, urlEscape(semanticID), urlEscape(submodelID))
}

func (s *HTTPStore) authenticate(req *http.Request) {
	if s.cfg.Token == "" {
		return
	}
	switch s.cfg.AuthType {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	case AuthAPIKey:
		req.Header.Set(s.cfg.KeyName, s.cfg.Token)
	}
}

// statusToError maps an HTTP status to the engine's error taxonomy per
// spec §4.7's response table.
func statusToError(status int, method, body string) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent:
		return nil
	case status == http.StatusNotFound:
		return types.Tag(types.CodeNotFound, fmt.Errorf("submodel not found: HTTP %s returned %d", method, status))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return types.Tag(types.CodeInvalidInput, fmt.Errorf("invalid request: HTTP %s returned %d: %s", method, status, body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.Tag(types.CodePolicyMismatch, fmt.Errorf("authentication/authorization failed: HTTP %s returned %d", method, status))
	case status >= 500:
		return types.Tag(types.CodeUnknown, fmt.Errorf("server error: HTTP %s returned %d, retry later", method, status))
	default:
		return types.Tag(types.CodeUnknown, fmt.Errorf("unexpected HTTP %s response: %d", method, status))
	}
}

func (s *HTTPStore) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	s.authenticate(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("connection error during submodel %s: %w", method, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading submodel %s response: %w", method, err)
	}
	return buf, resp.StatusCode, nil
}

func (s *HTTPStore) Read(ctx context.Context, semanticID, submodelID string) (json.RawMessage, error) {
	s.cacheSemanticID(semanticID)
	body, status, err := s.do(ctx, http.MethodGet, s.url(semanticID, submodelID), nil)
	if err != nil {
		return nil, err
	}
	if err := statusToError(status, "GET", string(body)); err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

func (s *HTTPStore) Write(ctx context.Context, semanticID, submodelID string, payload json.RawMessage) error {
	s.cacheSemanticID(semanticID)
	_, status, err := s.do(ctx, http.MethodPost, s.url(semanticID, submodelID), payload)
	if err != nil {
		return err
	}
	return statusToError(status, "POST", "")
}

func (s *HTTPStore) Delete(ctx context.Context, semanticID, submodelID string) error {
	s.cacheSemanticID(semanticID)
	_, status, err := s.do(ctx, http.MethodDelete, s.url(semanticID, submodelID), nil)
	if err != nil {
		return err
	}
	return statusToError(status, "DELETE", "")
}

func (s *HTTPStore) Exists(ctx context.Context, semanticID, submodelID string) (bool, error) {
	s.cacheSemanticID(semanticID)
	_, status, err := s.do(ctx, http.MethodHead, s.url(semanticID, submodelID), nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func urlEscape(s string) string {
	return url.PathEscape(s)
}
