package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// StorageBackendFactory creates archive backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a factory.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a backend from a location URI.
//
// Supported schemes:
//   - file:///var/lib/provisioner/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=...
//   - vault://vault.example.com:8200/secret/iot-archive?tls=false
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case "s3":
		return sf.createS3Backend(location)
	case "file":
		return sf.createFileBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateArchiveBackend creates the archive backend for the location URIs.
// URIs that fail to parse or construct are logged and skipped; the result
// must still be able to hold minCopies copies of everything it stores.
func (sf *StorageBackendFactory) CreateArchiveBackend(uris []string, minCopies int) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err == nil {
			var backend interfaces.StorageBackend
			if backend, err = sf.StorageBackendFor(location); err == nil {
				backends = append(backends, backend)
				continue
			}
		}
		sf.log.Warn("skipping archive location", "location", redact(uri), "err", err)
	}

	switch {
	case len(backends) == 0:
		return nil, errors.New("no valid archive backends")
	case len(backends) < minCopies:
		return nil, fmt.Errorf("%d usable archive backends cannot hold %d copies", len(backends), minCopies)
	case len(backends) == 1:
		return backends[0], nil
	}
	return NewReplicatedBackend(backends, minCopies, sf.log), nil
}

func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	cfg := S3Config{
		Bucket:   location.Host,
		Prefix:   strings.TrimPrefix(location.Path, "/"),
		Region:   location.GetParam("region"),
		Endpoint: location.GetParam("endpoint"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, redact(location.Raw))
	}

	if user := userInfo(location.Raw); user != "" {
		cfg.AccessKey, cfg.SecretKey, _ = strings.Cut(user, ":")
	}

	return NewS3Backend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location.Raw)
	}

	return NewFileBackend(path, sf.log)
}

// createVaultBackend expects vault://host:port/mount/path. The token is taken
// from VAULT_TOKEN by the Vault client.
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(location.Path, "/"), "/")
	if location.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: expected vault://host/mount/path, got %s", interfaces.ErrInvalidLocationURI, location.Raw)
	}

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}

	return NewVaultBackend(VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, location.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     os.Getenv("VAULT_TOKEN"),
	}, sf.log)
}

func userInfo(raw string) string {
	_, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return ""
	}
	authority, _, _ := strings.Cut(rest, "/")
	user, _, found := strings.Cut(authority, "@")
	if !found {
		return ""
	}
	return user
}

// redact hides credentials embedded in a URI.
func redact(raw string) string {
	if user := userInfo(raw); user != "" {
		name, _, _ := strings.Cut(user, ":")
		return strings.Replace(raw, user+"@", name+":***@", 1)
	}
	return raw
}
