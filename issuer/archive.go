package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/iot-identity-provisioning/cryptoutils"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// ArchiveRecord is what the archive keeps for every issued identity.
type ArchiveRecord struct {
	Name   string                    `json:"name"`
	Kind   string                    `json:"kind"`
	Bundle interfaces.IdentityBundle `json:"bundle"`
	Sealed *interfaces.ContentID     `json:"sealed,omitempty"`
}

// ArchivingIssuer wraps an issuer and archives every bundle it mints: the
// public part in clear and, when an archive key is set, the full bundle
// sealed to that key. Archive failures are logged and never fail issuance.
type ArchivingIssuer struct {
	inner      interfaces.IdentityIssuer
	backend    interfaces.StorageBackend
	archiveKey interfaces.PublicKey
	log        *slog.Logger
}

// NewArchivingIssuer creates an archiving wrapper. archiveKey may be nil to
// archive public material only.
func NewArchivingIssuer(inner interfaces.IdentityIssuer, backend interfaces.StorageBackend, archiveKey interfaces.PublicKey, log *slog.Logger) (*ArchivingIssuer, error) {
	if len(archiveKey) > 0 {
		if err := archiveKey.Validate(); err != nil {
			return nil, fmt.Errorf("invalid archive key: %w", err)
		}
	}
	return &ArchivingIssuer{inner: inner, backend: backend, archiveKey: archiveKey, log: log}, nil
}

func (a *ArchivingIssuer) Issue(ctx context.Context, req interfaces.IssueRequest) (interfaces.IdentityBundle, error) {
	bundle, err := a.inner.Issue(ctx, req)
	if err != nil {
		return bundle, err
	}

	if id, err := a.archive(ctx, req, bundle); err != nil {
		a.log.Warn("failed to archive identity", "thing", req.Name, "backend", a.backend.Name(), "err", err)
	} else {
		a.log.Debug("archived identity", "thing", req.Name, "content_id", id.String())
	}
	return bundle, nil
}

func (a *ArchivingIssuer) Revoke(ctx context.Context, desc interfaces.ConnectivityDescriptor) error {
	return a.inner.Revoke(ctx, desc)
}

func (a *ArchivingIssuer) archive(ctx context.Context, req interfaces.IssueRequest, bundle interfaces.IdentityBundle) (interfaces.ContentID, error) {
	record := ArchiveRecord{Name: req.Name, Kind: req.Kind.String(), Bundle: bundle.Public()}

	if len(a.archiveKey) > 0 {
		full, err := json.Marshal(bundle)
		if err != nil {
			return interfaces.ContentID{}, err
		}
		sealed, err := cryptoutils.EncryptWithPublicKey(a.archiveKey, full)
		if err != nil {
			return interfaces.ContentID{}, fmt.Errorf("failed to seal bundle: %w", err)
		}
		sealedID, err := a.backend.Store(ctx, sealed, interfaces.SealedBundleType)
		if err != nil {
			return interfaces.ContentID{}, fmt.Errorf("failed to store sealed bundle: %w", err)
		}
		record.Sealed = &sealedID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	return a.backend.Store(ctx, data, interfaces.PublicMaterialType)
}

// FetchRecord loads an archive record by content ID.
func FetchRecord(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID) (*ArchiveRecord, error) {
	data, err := backend.Fetch(ctx, id, interfaces.PublicMaterialType)
	if err != nil {
		return nil, err
	}
	var record ArchiveRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode archive record: %w", err)
	}
	return &record, nil
}

// OpenSealed recovers the full bundle referenced by a record using the
// archive private key.
func OpenSealed(ctx context.Context, backend interfaces.StorageBackend, record *ArchiveRecord, key interfaces.PrivateKey) (interfaces.IdentityBundle, error) {
	if record.Sealed == nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("%w: record has no sealed bundle", interfaces.ErrContentNotFound)
	}
	sealed, err := backend.Fetch(ctx, *record.Sealed, interfaces.SealedBundleType)
	if err != nil {
		return interfaces.IdentityBundle{}, err
	}
	plain, err := cryptoutils.DecryptWithPrivateKey(key, sealed)
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to open sealed bundle: %w", err)
	}
	var bundle interfaces.IdentityBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return bundle, nil
}
