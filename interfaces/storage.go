package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of an archived object. Archive backends are
// content addressed, so an ID doubles as an integrity check on fetched data.
type ContentID [32]byte

// ParseContentID parses a 64 character hex ID, with or without a 0x prefix.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// Matches reports whether data hashes to id.
func (id ContentID) Matches(data []byte) bool {
	return ComputeID(data) == id
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ContentID) UnmarshalText(text []byte) error {
	clean := strings.TrimPrefix(string(text), "0x")
	if hex.DecodedLen(len(clean)) != len(id) {
		return fmt.Errorf("invalid content ID %q: want %d hex characters", text, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(clean)); err != nil {
		return fmt.Errorf("invalid content ID %q: %w", text, err)
	}
	return nil
}

// ContentType indicates the archive namespace.
type ContentType int

const (
	// PublicMaterialType holds certificates and public keys.
	PublicMaterialType ContentType = iota
	// SealedBundleType holds full bundles encrypted to the archive key.
	SealedBundleType
)

func (ct ContentType) String() string {
	switch ct {
	case PublicMaterialType:
		return "public"
	case SealedBundleType:
		return "sealed"
	default:
		return "unknown"
	}
}

// ParseContentType is the inverse of ContentType.String.
func ParseContentType(s string) (ContentType, error) {
	switch s {
	case "public":
		return PublicMaterialType, nil
	case "sealed":
		return SealedBundleType, nil
	}
	return 0, fmt.Errorf("unknown content type %q", s)
}

// StorageBackendLocation is a parsed archive backend URI such as
// file:///var/lib/iot-archive or s3://KEY:SECRET@bucket/prefix?region=eu-west-1.
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
}

// NewStorageBackendLocation parses a backend URI and checks its scheme.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend is a content addressed archive for issued identities.
// Public material and sealed bundles live in separate namespaces, so the same
// ID under a different ContentType is a different object.
type StorageBackend interface {
	// Fetch returns ErrContentNotFound when nothing is stored under id.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	// Store is idempotent and returns ComputeID(data).
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs and errors.
	Name() string
	// LocationURI is the backend URI with credentials removed.
	LocationURI() string
}
