package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmailClientSend(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEmailClient(srv.URL, "key-123", "alerts@postrack.example", "Postrack", quietLogger())
	err := c.Send(context.Background(), "a@example.com", "collar-1 entered yard", "<p>hi</p>")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.To != "a@example.com" || got.Subject != "collar-1 entered yard" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.From != "alerts@postrack.example" || got.FromName != "Postrack" {
		t.Fatalf("sender fields not forwarded: %+v", got)
	}
	if got.APIKey != "key-123" {
		t.Fatalf("api key not forwarded: %+v", got)
	}
}

func TestEmailClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewEmailClient(srv.URL, "", "alerts@postrack.example", "Postrack", quietLogger())
	if err := c.Send(context.Background(), "a@example.com", "s", "b"); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestEmailClientMissingEndpoint(t *testing.T) {
	c := NewEmailClient("", "", "alerts@postrack.example", "Postrack", quietLogger())
	if err := c.Send(context.Background(), "a@example.com", "s", "b"); err == nil {
		t.Fatal("expected error for unconfigured endpoint")
	}
}
