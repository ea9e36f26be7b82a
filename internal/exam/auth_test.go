package exam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPAuthenticator_accepted(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	a := NewHTTPAuthenticator(srv.URL, time.Second)
	ok, err := a.Authenticate(context.Background(), "Jane Doe", "pw")
	if err != nil || !ok {
		t.Fatalf("Authenticate = %v, %v, want true, nil", ok, err)
	}
	if gotBody["fullName"] != "Jane Doe" || gotBody["password"] != "pw" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestHTTPAuthenticator_rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": false})
	}))
	defer srv.Close()

	a := NewHTTPAuthenticator(srv.URL, time.Second)
	ok, err := a.Authenticate(context.Background(), "Jane", "wrong")
	if err != nil || ok {
		t.Fatalf("Authenticate = %v, %v, want false, nil", ok, err)
	}
}

func TestHTTPAuthenticator_non200IsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewHTTPAuthenticator(srv.URL, time.Second)
	ok, err := a.Authenticate(context.Background(), "Jane", "pw")
	if err != nil || ok {
		t.Fatalf("a non-200 status is a rejection, not an error: got %v, %v", ok, err)
	}
}

func TestHTTPAuthenticator_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	a := NewHTTPAuthenticator(srv.URL, 100*time.Millisecond)
	ok, err := a.Authenticate(context.Background(), "Jane", "pw")
	if err == nil {
		t.Fatal("transport failure should surface as an error")
	}
	if ok {
		t.Error("transport failure must never authenticate")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{}

	if ok, _ := a.Authenticate(context.Background(), "Jane", "pw"); !ok {
		t.Error("non-empty credentials should be accepted")
	}
	if ok, _ := a.Authenticate(context.Background(), "", "pw"); ok {
		t.Error("empty name should be rejected")
	}
	if ok, _ := a.Authenticate(context.Background(), "Jane", ""); ok {
		t.Error("empty password should be rejected")
	}
}
