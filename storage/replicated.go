package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// ErrIntegrity is returned when stored bytes do not hash to their content ID.
var ErrIntegrity = errors.New("archived content does not match its ID")

// ReplicatedBackend keeps every archived item on several backends. A store
// succeeds once minCopies backends hold the content; reads return the first
// copy whose hash matches the requested ID.
type ReplicatedBackend struct {
	backends  []interfaces.StorageBackend
	minCopies int
	log       *slog.Logger
}

// NewReplicatedBackend creates a replicated backend. minCopies below 1 is
// treated as 1.
func NewReplicatedBackend(backends []interfaces.StorageBackend, minCopies int, log *slog.Logger) *ReplicatedBackend {
	if minCopies < 1 {
		minCopies = 1
	}
	return &ReplicatedBackend{backends: backends, minCopies: minCopies, log: log}
}

func (r *ReplicatedBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []error
	for _, backend := range r.backends {
		if !backend.Available(ctx) {
			continue
		}
		data, err := backend.Fetch(ctx, id, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		if !id.Matches(data) {
			r.log.Error("archive copy is corrupt", "backend", backend.Name(), "content_id", id.String(), "type", contentType.String())
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), ErrIntegrity))
			continue
		}
		return data, nil
	}
	if len(errs) == 0 {
		errs = append(errs, interfaces.ErrBackendUnavailable)
	}
	return nil, fmt.Errorf("%w: %s %s: %w", interfaces.ErrContentNotFound, contentType, id, errors.Join(errs...))
}

// Store writes data to every available backend and fails when fewer than
// minCopies of them accepted it. Copies already written are left in place.
func (r *ReplicatedBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	want := interfaces.ComputeID(data)

	var (
		copies int
		errs   []error
	)
	for _, backend := range r.backends {
		if !backend.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		id, err := backend.Store(ctx, data, contentType)
		if err == nil && id != want {
			err = fmt.Errorf("%w: got %s", ErrIntegrity, id)
		}
		if err != nil {
			r.log.Warn("failed to replicate archive content", "backend", backend.Name(), "content_id", want.String(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		copies++
	}

	if copies < r.minCopies {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no backends configured"))
		}
		return interfaces.ContentID{}, fmt.Errorf("%w: stored %d of %d required copies: %w",
			interfaces.ErrBackendUnavailable, copies, r.minCopies, errors.Join(errs...))
	}
	return want, nil
}

// Available reports whether enough backends are up to satisfy a store.
func (r *ReplicatedBackend) Available(ctx context.Context) bool {
	up := 0
	for _, backend := range r.backends {
		if backend.Available(ctx) {
			up++
		}
	}
	return up >= r.minCopies
}

func (r *ReplicatedBackend) Name() string {
	return fmt.Sprintf("replicated-%d-of-%d", r.minCopies, len(r.backends))
}

func (r *ReplicatedBackend) LocationURI() string {
	locations := make([]string, 0, len(r.backends))
	for _, backend := range r.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "replicated:[" + strings.Join(locations, ",") + "]"
}
