package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/iot-identity-provisioning/issuer"
)

// UnsealState is the progress of seed reconstruction.
type UnsealState int

const (
	StateSealed UnsealState = iota
	StateUnsealed
)

// MaxRequestSkew bounds the age of a signed custodian request.
const MaxRequestSkew = 5 * time.Minute

func (s UnsealState) String() string {
	switch s {
	case StateSealed:
		return "sealed"
	case StateUnsealed:
		return "unsealed"
	default:
		return "unknown"
	}
}

// UnsealHandler collects signed seed shares from custodians until the local
// CA seed can be reconstructed.
//
// Every request is authenticated with the X-Admin-ID, X-Admin-Timestamp and
// X-Admin-Signature headers: an ECDSA signature by the custodian's key over
// the SHA-256 of the timestamp, the request path and the body. Requests whose
// timestamp is more than MaxRequestSkew away from the server clock are
// rejected, as is a signature seen before. Each share additionally carries
// the custodian's signature over the share itself.
type UnsealHandler struct {
	mu         sync.RWMutex
	log        *slog.Logger
	now        func() time.Time
	seen       map[string]time.Time // request signature -> timestamp
	state      UnsealState
	custodians map[string][]byte // custodian ID -> public key PEM
	submitted  map[string]bool
	collector  *issuer.SeedCollector
	threshold  int
	done       chan struct{}
}

// NewUnsealHandler creates a handler expecting threshold shares from the given
// custodians.
func NewUnsealHandler(log *slog.Logger, threshold int, custodians map[string][]byte) (*UnsealHandler, error) {
	pubKeys := make([][]byte, 0, len(custodians))
	for _, pub := range custodians {
		pubKeys = append(pubKeys, pub)
	}
	collector, err := issuer.NewSeedCollector(threshold, pubKeys)
	if err != nil {
		return nil, err
	}

	return &UnsealHandler{
		log:        log,
		now:        time.Now,
		seen:       make(map[string]time.Time),
		state:      StateSealed,
		custodians: custodians,
		submitted:  make(map[string]bool),
		collector:  collector,
		threshold:  threshold,
		done:       make(chan struct{}),
	}, nil
}

// WaitForSeed blocks until the seed is reconstructed or ctx is done.
func (h *UnsealHandler) WaitForSeed(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.collector.Seed(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *UnsealHandler) Unsealed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == StateUnsealed
}

func (h *UnsealHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/share", h.handleSubmitShare)
	return r
}

// UnsealStatus is the body of GET /admin/status.
type UnsealStatus struct {
	State     string   `json:"state"`
	Threshold int      `json:"threshold"`
	Submitted []string `json:"submitted"`
}

// ShareSubmission is the body of POST /admin/share.
type ShareSubmission struct {
	Share     string `json:"share"`     // base64
	Signature string `json:"signature"` // base64
}

func (h *UnsealHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := UnsealStatus{
		State:     h.state.String(),
		Threshold: h.threshold,
		Submitted: make([]string, 0, len(h.submitted)),
	}
	for id := range h.submitted {
		status.Submitted = append(status.Submitted, id)
	}
	h.mu.RUnlock()
	sort.Strings(status.Submitted)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *UnsealHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	custodianID, ok := h.verifyCustodian(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission ShareSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateUnsealed {
		http.Error(w, "Already unsealed", http.StatusConflict)
		return
	}

	complete, err := h.collector.SubmitShare(share, signature, h.custodians[custodianID])
	if err != nil {
		h.log.Warn("share rejected", "custodian", custodianID, "err", err)
		http.Error(w, "Share rejected: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.submitted[custodianID] = true

	w.Header().Set("Content-Type", "application/json")
	if !complete {
		h.log.Info("share accepted", "custodian", custodianID, "submitted", len(h.submitted), "threshold", h.threshold)
		json.NewEncoder(w).Encode(map[string]string{"message": "share accepted, waiting for more shares"})
		return
	}

	h.state = StateUnsealed
	close(h.done)
	h.log.Info("issuer seed reconstructed", "custodian", custodianID)
	json.NewEncoder(w).Encode(map[string]string{"message": "unsealed"})
}

// verifyCustodian authenticates the request and returns the custodian ID.
func (h *UnsealHandler) verifyCustodian(r *http.Request) (string, bool) {
	custodianID := r.Header.Get("X-Admin-ID")
	signatureStr := r.Header.Get("X-Admin-Signature")
	timestamp := r.Header.Get("X-Admin-Timestamp")
	if custodianID == "" || signatureStr == "" || timestamp == "" {
		return "", false
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		h.log.Warn("authentication failed: invalid timestamp", "custodian", custodianID, "err", err)
		return custodianID, false
	}
	signedAt := time.Unix(secs, 0)
	if skew := h.now().Sub(signedAt).Abs(); skew > MaxRequestSkew {
		h.log.Warn("authentication failed: stale request", "custodian", custodianID, "skew", skew)
		return custodianID, false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.custodians[custodianID]
	h.mu.RUnlock()
	if !exists {
		h.log.Warn("authentication failed: unknown custodian", "custodian", custodianID)
		return custodianID, false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureStr)
	if err != nil {
		h.log.Warn("authentication failed: invalid signature encoding", "custodian", custodianID, "err", err)
		return custodianID, false
	}

	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		h.log.Error("failed to decode custodian public key PEM", "custodian", custodianID)
		return custodianID, false
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		h.log.Error("failed to parse custodian public key", "custodian", custodianID, "err", err)
		return custodianID, false
	}
	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		h.log.Error("custodian public key is not an ECDSA key", "custodian", custodianID)
		return custodianID, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			h.log.Error("failed to read request body", "err", err)
			return custodianID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	hash := requestDigest(timestamp, r.URL.Path, body)
	if !ecdsa.VerifyASN1(ecdsaPubKey, hash[:], signature) {
		h.log.Warn("authentication failed: invalid signature", "custodian", custodianID)
		return custodianID, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sig, at := range h.seen {
		if h.now().Sub(at) > MaxRequestSkew {
			delete(h.seen, sig)
		}
	}
	if _, replayed := h.seen[signatureStr]; replayed {
		h.log.Warn("authentication failed: replayed request", "custodian", custodianID)
		return custodianID, false
	}
	h.seen[signatureStr] = signedAt
	return custodianID, true
}

// requestDigest is what a custodian signs: the unix timestamp, a newline, the
// URL path and the body.
func requestDigest(timestamp, path string, body []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write(body)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// LoadCustodianKeys reads custodian public keys from JSON of the form
// {"custodians": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadCustodianKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Custodians []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"custodians"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode custodian keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Custodians))
	for _, c := range data.Custodians {
		if c.ID == "" {
			return nil, errors.New("custodian without id")
		}
		block, _ := pem.Decode([]byte(c.PubKey))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM data for custodian %s", c.ID)
		}
		if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, fmt.Errorf("invalid public key for custodian %s: %w", c.ID, err)
		}
		result[c.ID] = []byte(c.PubKey)
	}
	return result, nil
}

// GenerateCustodianKeyPair returns a fresh P-256 key pair as PEM.
func GenerateCustodianKeyPair() (privPEM, pubPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privPEM, pubPEM, nil
}

// ParsePrivateKey parses an ECDSA private key from PEM.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	return privateKey, nil
}
