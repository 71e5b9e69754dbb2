package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewTokenShape(t *testing.T) {
	tok := NewToken()
	if !strings.HasPrefix(tok, "ba_") {
		t.Fatalf("expected ba_ prefix, got %q", tok)
	}
	if len(tok) != 3+32 {
		t.Fatalf("expected 32 chars after prefix, got %d", len(tok)-3)
	}
	if strings.Contains(tok, "-") {
		t.Fatalf("token must not contain dashes: %q", tok)
	}
	if tok == NewToken() {
		t.Fatal("tokens must be unique")
	}
}

func TestIssueWritesRecord(t *testing.T) {
	var gotPath, gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Vault-Token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	iss := NewIssuer(IssuerConfig{BaseURL: srv.URL, Token: "root", Mount: "secret"})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cred, err := iss.Issue(context.Background(), Record{
		APIKeyID:       42,
		OrganizationID: 7,
		ProjectIDs:     []int64{1, 2},
		CreatedAt:      now,
		ExpiresAt:      now.AddDate(0, 0, 30),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !cred.Stored {
		t.Fatal("expected Stored=true")
	}
	if gotPath != "/v1/secret/data/api-keys/42" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotToken != "root" {
		t.Fatalf("unexpected vault token %q", gotToken)
	}
	data, _ := gotBody["data"].(map[string]any)
	if data["token"] != cred.Token {
		t.Fatalf("stored token %v does not match returned %q", data["token"], cred.Token)
	}
	if data["expires_at"] != "2026-08-31T12:00:00Z" {
		t.Fatalf("unexpected expires_at %v", data["expires_at"])
	}
}

func TestIssueStoreDownStillReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sealed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	iss := NewIssuer(IssuerConfig{BaseURL: srv.URL, Token: "root"})
	cred, err := iss.Issue(context.Background(), Record{APIKeyID: 1})
	if err == nil {
		t.Fatal("expected advisory error when store rejects the write")
	}
	if cred.Stored {
		t.Fatal("expected Stored=false")
	}
	if !strings.HasPrefix(cred.Token, "ba_") {
		t.Fatalf("fallback credential must still be usable, got %q", cred.Token)
	}
}

func TestDelete(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	iss := NewIssuer(IssuerConfig{BaseURL: srv.URL, Token: "root"})
	if err := iss.Delete(context.Background(), 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/secret/metadata/api-keys/42" {
		t.Fatalf("unexpected call %s %s", gotMethod, gotPath)
	}
}

func TestDeleteMissingRecordIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	iss := NewIssuer(IssuerConfig{BaseURL: srv.URL, Token: "root"})
	if err := iss.Delete(context.Background(), 42); err != nil {
		t.Fatalf("Delete of missing record: %v", err)
	}
}
