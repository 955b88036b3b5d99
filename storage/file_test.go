package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)
	require.True(t, b.Available(ctx))

	id, err := b.Store(ctx, []byte("public record"), interfaces.PublicMaterialType)
	require.NoError(t, err)
	require.Equal(t, interfaces.ComputeID([]byte("public record")), id)

	data, err := b.Fetch(ctx, id, interfaces.PublicMaterialType)
	require.NoError(t, err)
	require.Equal(t, []byte("public record"), data)

	// Content types are separate namespaces.
	_, err = b.Fetch(ctx, id, interfaces.SealedBundleType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	sealedID, err := b.Store(ctx, []byte("secret"), interfaces.SealedBundleType)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, "sealed", sealedID.String()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Storing the same content again is a no-op and leaves no temp files.
	again, err := b.Store(ctx, []byte("secret"), interfaces.SealedBundleType)
	require.NoError(t, err)
	require.Equal(t, sealedID, again)
	entries, err := os.ReadDir(filepath.Join(dir, "sealed"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFactory(t *testing.T) {
	f := NewStorageBackendFactory(discardLogger())
	dir := t.TempDir()

	loc, err := interfaces.NewStorageBackendLocation("file://" + dir)
	require.NoError(t, err)
	b, err := f.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	loc, err = interfaces.NewStorageBackendLocation("s3://AKID:SECRET@archive-bucket/iot?region=eu-west-1")
	require.NoError(t, err)
	b, err = f.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "s3-archive-bucket", b.Name())

	loc, err = interfaces.NewStorageBackendLocation("vault://vault.local:8200/secret/iot-archive?tls=false")
	require.NoError(t, err)
	b, err = f.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-iot-archive", b.Name())

	loc, err = interfaces.NewStorageBackendLocation("vault://vault.local:8200/")
	require.NoError(t, err)
	_, err = f.StorageBackendFor(loc)
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = interfaces.NewStorageBackendLocation("ipfs://localhost:5001")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	replicated, err := f.CreateArchiveBackend([]string{"file://" + dir, "bogus://x", "file://" + t.TempDir()}, 2)
	require.NoError(t, err)
	assert.IsType(t, &ReplicatedBackend{}, replicated)
	assert.Equal(t, "replicated-2-of-2", replicated.Name())

	single, err := f.CreateArchiveBackend([]string{"file://" + dir}, 1)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, single)

	_, err = f.CreateArchiveBackend([]string{"file://" + dir, "bogus://x"}, 2)
	require.ErrorContains(t, err, "cannot hold 2 copies")

	_, err = f.CreateArchiveBackend([]string{"bogus://x"}, 1)
	require.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "s3://AKID:***@bucket/p", redact("s3://AKID:SECRET@bucket/p"))
	assert.Equal(t, "file:///tmp/x", redact("file:///tmp/x"))
}
