package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/iot-identity-provisioning/issuer"
)

// UnsealClient submits seed shares to a sealed server on behalf of one
// custodian.
type UnsealClient struct {
	baseURL     string
	custodianID string
	privateKey  *ecdsa.PrivateKey
	httpClient  *http.Client
}

// NewUnsealClient creates a client for the unseal API at baseURL, e.g.
// "http://127.0.0.1:8080/admin".
func NewUnsealClient(baseURL, custodianID string, privateKey *ecdsa.PrivateKey) *UnsealClient {
	return &UnsealClient{
		baseURL:     baseURL,
		custodianID: custodianID,
		privateKey:  privateKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *UnsealClient) Status(ctx context.Context) (*UnsealStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var status UnsealStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// SubmitShare signs and submits a raw share.
func (c *UnsealClient) SubmitShare(ctx context.Context, share []byte) error {
	signature, err := issuer.SignShare(share, c.privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign share: %w", err)
	}

	body, err := json.Marshal(ShareSubmission{
		Share:     base64.StdEncoding.EncodeToString(share),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := NewSignedRequest(ctx, http.MethodPost, c.baseURL+"/share", body, c.custodianID, c.privateKey)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit share request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submit share failed with code %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// NewSignedRequest builds a request carrying custodian authentication
// headers. The signature covers the current time, the URL path and the body.
func NewSignedRequest(ctx context.Context, method, reqURL string, body []byte, custodianID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	return newSignedRequestAt(ctx, time.Now(), method, reqURL, body, custodianID, privateKey)
}

func newSignedRequestAt(ctx context.Context, at time.Time, method, reqURL string, body []byte, custodianID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	timestamp := strconv.FormatInt(at.Unix(), 10)
	hash := requestDigest(timestamp, parsedURL.Path, body)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("X-Admin-ID", custodianID)
	req.Header.Set("X-Admin-Timestamp", timestamp)
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))
	return req, nil
}
