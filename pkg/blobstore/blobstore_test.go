package blobstore_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/industrycore/dtr-discovery-engine/pkg/blobstore"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

func TestHashPathIsDeterministicAndSemanticIDScoped(t *testing.T) {
	dirA, fileA := blobstore.HashPath("urn:semantic:a", "sm-1")
	dirB, _ := blobstore.HashPath("urn:semantic:b", "sm-1")

	require.NotEqual(t, dirA, dirB)
	require.Equal(t, filepath.Join(dirA, "sm-1.json"), fileA)
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	store, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	payload := json.RawMessage(`{"hello":"world"}`)
	require.NoError(t, store.Write(t.Context(), "urn:semantic", "sm-1", payload))

	exists, err := store.Exists(t.Context(), "urn:semantic", "sm-1")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := store.Read(t.Context(), "urn:semantic", "sm-1")
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(got))

	require.NoError(t, store.Delete(t.Context(), "urn:semantic", "sm-1"))
	exists, err = store.Exists(t.Context(), "urn:semantic", "sm-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemStoreReadMissingIsNotFound(t *testing.T) {
	store, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(t.Context(), "urn:semantic", "missing")
	require.Error(t, err)
	require.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestNewFilesystemStoreFailsOnUnwritableRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root bypasses the write-permission check")
	}
	parent := t.TempDir()
	readonly := filepath.Join(parent, "locked")
	require.NoError(t, os.MkdirAll(readonly, 0o500))
	defer os.Chmod(readonly, 0o700)

	_, err := blobstore.NewFilesystemStore(readonly)
	require.Error(t, err)
}

func TestHTTPStoreRoundTripAndAuth(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("X-Api-Key")
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		case http.MethodPost, http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	store, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{
		BaseURL:  srv.URL,
		APIPath:  "/api/v1",
		AuthType: blobstore.AuthAPIKey,
		Token:    "secret",
	})
	require.NoError(t, err)

	require.NoError(t, store.Write(t.Context(), "urn:semantic", "sm-1", json.RawMessage(`{"a":1}`)))
	require.Equal(t, "secret", sawAuth)

	data, err := store.Read(t.Context(), "urn:semantic", "sm-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))

	require.NoError(t, store.Delete(t.Context(), "urn:semantic", "sm-1"))
}

func TestHTTPStoreStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = store.Read(t.Context(), "urn:semantic", "sm-1")
	require.Error(t, err)
	require.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestHTTPStoreResolveLegacyPath(t *testing.T) {
	store, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{BaseURL: "http://example.invalid"})
	require.NoError(t, err)

	dir, _ := blobstore.HashPath("urn:semantic", "")
	_, _, ok := store.ResolveLegacyPath(dir + "/sm-1.json")
	require.False(t, ok, "cache is empty before any semantic-aware call")

	_, err = store.Read(t.Context(), "urn:semantic", "sm-1")
	require.Error(t, err) // unreachable host, but cacheSemanticID already ran

	semanticID, submodelID, ok := store.ResolveLegacyPath(dir + "/sm-1.json")
	require.True(t, ok)
	require.Equal(t, "urn:semantic", semanticID)
	require.Equal(t, "sm-1", submodelID)
}

func TestResolveTokenExpandsEnvVar(t *testing.T) {
	t.Setenv("SUBMODEL_TOKEN", "abc123")

	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{
		BaseURL:  srv.URL,
		AuthType: blobstore.AuthBearer,
		Token:    "${SUBMODEL_TOKEN}",
	})
	require.NoError(t, err)

	_, err = store.Read(t.Context(), "urn:semantic", "sm-1")
	require.NoError(t, err)
	require.Equal(t, "Bearer abc123", sawAuth)
}
