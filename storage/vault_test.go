package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvServer serves just enough of the Vault KV v2 and health API.
func kvServer(t *testing.T) (*httptest.Server, map[string]map[string]interface{}) {
	t.Helper()
	var mu sync.Mutex
	secrets := map[string]map[string]interface{}{}

	r := chi.NewRouter()
	r.Get("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"initialized": true, "sealed": false})
	})
	r.Put("/v1/*", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		mu.Lock()
		secrets[chi.URLParam(req, "*")] = body.Data
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/v1/*", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		data, ok := secrets[chi.URLParam(req, "*")]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, secrets
}

func TestVaultBackend(t *testing.T) {
	ctx := context.Background()
	srv, secrets := kvServer(t)

	b, err := NewVaultBackend(VaultConfig{Address: srv.URL, MountPath: "/secret/", DataPath: "iot", Token: "root"}, discardLogger())
	require.NoError(t, err)
	require.True(t, b.Available(ctx))
	assert.Equal(t, "vault-secret-iot", b.Name())

	// Sealed bundles are binary.
	sealed := []byte{0x04, 0xff, 0x00, 0xc3, 0x28}
	id, err := b.Store(ctx, sealed, interfaces.SealedBundleType)
	require.NoError(t, err)

	stored := secrets["secret/data/iot/sealed/"+id.String()]
	require.NotNil(t, stored)
	assert.Equal(t, "sealed", stored["type"])

	got, err := b.Fetch(ctx, id, interfaces.SealedBundleType)
	require.NoError(t, err)
	assert.Equal(t, sealed, got)

	_, err = b.Fetch(ctx, id, interfaces.PublicMaterialType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestVaultBackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	b, err := NewVaultBackend(VaultConfig{Address: addr, MountPath: "secret", DataPath: "iot"}, discardLogger())
	require.NoError(t, err)
	assert.False(t, b.Available(context.Background()))

	_, err = b.Store(context.Background(), []byte("x"), interfaces.PublicMaterialType)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}
