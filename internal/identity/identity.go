// Package identity declares the gateway's narrow contracts to the external
// identity platform. The gateway never issues tokens or checks signatures
// itself; it hands the raw credential to the verifier and trusts the answer.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"guardpost/gateway-service/internal/breaker"
	"guardpost/gateway-service/internal/metrics"
)

// Identity is the externally resolved subject of a credential.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Verifier resolves a raw credential to an identity.
type Verifier interface {
	VerifyCredential(ctx context.Context, credential string) (Identity, error)
}

// PermissionStore resolves a user's permission strings. Callers substitute
// a minimal default on error; a permission outage must not cascade into a
// login outage.
type PermissionStore interface {
	GetPermissions(ctx context.Context, userID string) ([]string, error)
}

// ErrRejected means the identity service evaluated the credential and said
// no, as opposed to being unreachable.
var ErrRejected = errors.New("credential rejected by identity service")

// HTTPClient talks to the identity service over HTTP with a per-call
// timeout and a circuit breaker, so a stalled backend fails fast and never
// holds gateway locks. Implements Verifier and PermissionStore.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *breaker.Breaker
	timeout time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cfg := breaker.DefaultConfig()
	// A rejection is the backend answering, not failing. Counting bad
	// credentials as outages would let five bad logins from anywhere lock
	// every valid user out until the cool-off.
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrRejected) }
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker.New("identity", cfg),
		timeout: timeout,
	}
}

func (c *HTTPClient) VerifyCredential(ctx context.Context, credential string) (Identity, error) {
	var id Identity
	err := c.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		body, _ := json.Marshal(map[string]string{"token": credential})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&id)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrRejected
		default:
			return fmt.Errorf("identity service status %d", resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			metrics.IdentityLookups.WithLabelValues("rejected").Inc()
		} else {
			metrics.IdentityLookups.WithLabelValues("error").Inc()
		}
		return Identity{}, err
	}
	metrics.IdentityLookups.WithLabelValues("ok").Inc()
	return id, nil
}

func (c *HTTPClient) GetPermissions(ctx context.Context, userID string) ([]string, error) {
	var perms struct {
		Permissions []string `json:"permissions"`
	}
	err := c.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/permissions/"+userID, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("permission store status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&perms)
	})
	if err != nil {
		return nil, err
	}
	return perms.Permissions, nil
}
