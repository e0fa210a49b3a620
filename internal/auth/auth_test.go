package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
)

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	alice := domain.Caller{ID: "alice", Tier: domain.TierPremium}
	a, err := NewAuthenticator([]CallerKey{{Caller: alice, KeyHash: HashAPIKey("sk-alice")}})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	got, err := a.ValidateAPIKey("sk-alice")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if got != alice {
		t.Errorf("ValidateAPIKey() = %+v, want %+v", got, alice)
	}

	if _, err := a.ValidateAPIKey("sk-mallory"); err != ErrInvalidAPIKey {
		t.Errorf("ValidateAPIKey() error = %v, want ErrInvalidAPIKey", err)
	}
	if a.Anonymous() {
		t.Error("Anonymous() = true with configured keys")
	}
}

func TestNewAuthenticator_Errors(t *testing.T) {
	tests := []struct {
		name string
		keys []CallerKey
	}{
		{"missing id", []CallerKey{{KeyHash: HashAPIKey("k")}}},
		{"bad hash", []CallerKey{{Caller: domain.Caller{ID: "a"}, KeyHash: "abc"}}},
		{"duplicate", []CallerKey{
			{Caller: domain.Caller{ID: "a"}, KeyHash: HashAPIKey("k")},
			{Caller: domain.Caller{ID: "b"}, KeyHash: HashAPIKey("k")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuthenticator(tt.keys); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAuthenticator_Anonymous(t *testing.T) {
	a, err := NewAuthenticator(nil)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	if !a.Anonymous() {
		t.Error("Anonymous() = false with no keys")
	}
	var nilAuth *Authenticator
	if !nilAuth.Anonymous() {
		t.Error("nil authenticator should be anonymous")
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer sk-123", "sk-123", false},
		{"bearer sk-123", "sk-123", false},
		{"", "", true},
		{"sk-123", "", true},
		{"Basic dXNlcjpwYXNz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractAPIKey(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHashAPIKey(t *testing.T) {
	// echo -n "test" | sha256sum
	want := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got := HashAPIKey("test"); got != want {
		t.Errorf("HashAPIKey() = %s, want %s", got, want)
	}
}
