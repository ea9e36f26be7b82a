package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Authenticator is the identity-check collaborator: given a name and a
// password, accept or reject. Transport failures are errors; callers must
// treat any error as "not authenticated", never as fatal.
type Authenticator interface {
	Authenticate(ctx context.Context, fullName, password string) (bool, error)
}

// HTTPAuthenticator checks credentials against a JSON-over-HTTP endpoint:
// POST {"fullName": ..., "password": ...}, expecting 200 with {"ok": true}.
type HTTPAuthenticator struct {
	url    string
	client *http.Client
}

// NewHTTPAuthenticator returns an authenticator for the given endpoint.
// timeout <= 0 picks 10 seconds.
func NewHTTPAuthenticator(url string, timeout time.Duration) *HTTPAuthenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAuthenticator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Authenticate implements Authenticator.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, fullName, password string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"fullName": fullName,
		"password": password,
	})
	if err != nil {
		return false, fmt.Errorf("encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode auth response: %w", err)
	}
	return out.OK, nil
}

// StaticAuthenticator accepts any non-empty name and password pair. Used
// when no auth endpoint is configured (local/single-device deployments).
type StaticAuthenticator struct{}

// Authenticate implements Authenticator.
func (StaticAuthenticator) Authenticate(_ context.Context, fullName, password string) (bool, error) {
	return fullName != "" && password != "", nil
}
