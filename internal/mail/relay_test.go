package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewRelayClient_Defaults(t *testing.T) {
	client := NewRelayClient("api-key", "https://relay.example/send", "no-reply@livre.example")
	if client.HTTPClient == nil {
		t.Fatal("HTTPClient should be set")
	}
	if client.HTTPClient.Timeout != defaultTimeout {
		t.Errorf("HTTPClient.Timeout = %v, want %v", client.HTTPClient.Timeout, defaultTimeout)
	}
}

func TestRelaySendMagicLink_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "test-api-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["from"] != "no-reply@livre.example" || body["to"] != "alice@example.com" {
			t.Errorf("from/to = %q/%q", body["from"], body["to"])
		}
		if !strings.Contains(body["text"], "https://livre.example/auth/magic-link?token=abc") {
			t.Errorf("text should carry the link: %q", body["text"])
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewRelayClient("test-api-key", server.URL, "no-reply@livre.example")
	err := client.SendMagicLink(context.Background(), "alice@example.com", "https://livre.example/auth/magic-link?token=abc", time.Now().Add(15*time.Minute))
	if err != nil {
		t.Fatalf("SendMagicLink: %v", err)
	}
}

func TestRelaySend_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer server.Close()

	client := NewRelayClient("", server.URL, "")
	err := client.SendPasskeyAdded(context.Background(), "alice@example.com", "Laptop")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "status=502") {
		t.Errorf("error = %v", err)
	}
}

func TestRelaySend_NoURL(t *testing.T) {
	client := NewRelayClient("key", "", "")
	if err := client.SendPasskeyRemoved(context.Background(), "alice@example.com", "Laptop"); err == nil {
		t.Fatal("expected error when relay URL is empty")
	}
}
