// Package secrets stores issued API key material in an OpenBao KV v2 mount.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Issuer writes and deletes API key records under <mount>/api-keys/<id>.
type Issuer struct {
	baseURL string
	token   string
	mount   string
	http    *http.Client
}

type IssuerConfig struct {
	BaseURL    string
	Token      string
	Mount      string
	HTTPClient *http.Client
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &Issuer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		mount:   mount,
		http:    hc,
	}
}

// Record is the material persisted alongside a generated token.
type Record struct {
	APIKeyID       int64          `json:"api_key_id"`
	OrganizationID int64          `json:"organization_id"`
	ProjectIDs     []int64        `json:"project_ids"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	RateLimits     map[string]any `json:"rate_limits,omitempty"`
	TrafficPolicy  map[string]any `json:"traffic_policy,omitempty"`
}

// Credential is the outcome of an issuance attempt. Token is always usable;
// Stored reports whether the secret store accepted the write.
type Credential struct {
	Token  string
	Stored bool
}

// NewToken generates an opaque API key token.
func NewToken() string {
	return "ba_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Issue generates a token and writes the record to the KV mount. Store
// failures are reported through the returned error but the credential remains
// valid, so callers can log the failure without failing the request.
func (i *Issuer) Issue(ctx context.Context, rec Record) (Credential, error) {
	token := NewToken()

	payload := map[string]any{
		"data": map[string]any{
			"api_key_id":      rec.APIKeyID,
			"organization_id": rec.OrganizationID,
			"project_ids":     rec.ProjectIDs,
			"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339),
			"expires_at":      rec.ExpiresAt.UTC().Format(time.RFC3339),
			"rate_limits":     rec.RateLimits,
			"traffic_policy":  rec.TrafficPolicy,
			"token":           token,
		},
	}
	if err := i.write(ctx, http.MethodPost, i.dataPath(rec.APIKeyID), payload); err != nil {
		return Credential{Token: token, Stored: false}, err
	}
	return Credential{Token: token, Stored: true}, nil
}

// Delete removes the record and its version history. Missing records are not
// an error.
func (i *Issuer) Delete(ctx context.Context, apiKeyID int64) error {
	return i.write(ctx, http.MethodDelete, i.metadataPath(apiKeyID), nil)
}

func (i *Issuer) dataPath(id int64) string {
	return fmt.Sprintf("%s/v1/%s/data/api-keys/%d", i.baseURL, i.mount, id)
}

func (i *Issuer) metadataPath(id int64) string {
	return fmt.Sprintf("%s/v1/%s/metadata/api-keys/%d", i.baseURL, i.mount, id)
}

func (i *Issuer) write(ctx context.Context, method, url string, payload any) error {
	var rdr io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", i.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return fmt.Errorf("secret store %s: %w", method, err)
	}
	defer resp.Body.Close()
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("secret store %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
