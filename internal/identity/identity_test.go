package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// verifyBackend scripts the identity service: status codes are served in
// order, then the last one repeats.
func verifyBackend(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		code := statuses[n]
		if code == http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id":"user-1","email":"u@example.test"}`))
			return
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestVerifyCredential_RejectionsNeverOpenTheCircuit(t *testing.T) {
	srv, calls := verifyBackend(t,
		401, 401, 401, 401, 401, // well past the failure threshold
		200,
	)
	c := NewHTTPClient(srv.URL, 0)

	for i := 0; i < 5; i++ {
		_, err := c.VerifyCredential(context.Background(), "bad-token")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("rejection %d: got %v, want ErrRejected", i+1, err)
		}
	}

	// A valid user right after a burst of bad logins must still get through.
	id, err := c.VerifyCredential(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("valid credential after rejections: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("user = %q, want user-1", id.UserID)
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("backend calls = %d, want 6 (no fail-fast short-circuit)", got)
	}
}

func TestVerifyCredential_ServerErrorsStillOpenTheCircuit(t *testing.T) {
	srv, calls := verifyBackend(t, 500)
	c := NewHTTPClient(srv.URL, 0)

	for i := 0; i < 5; i++ {
		if _, err := c.VerifyCredential(context.Background(), "token"); err == nil {
			t.Fatalf("call %d: expected error from 500 backend", i+1)
		}
	}

	// Circuit is open now: the backend must not be touched again.
	before := calls.Load()
	_, err := c.VerifyCredential(context.Background(), "token")
	if err == nil {
		t.Fatal("expected fail-fast error while open")
	}
	if errors.Is(err, ErrRejected) {
		t.Errorf("got ErrRejected, want a breaker error")
	}
	if calls.Load() != before {
		t.Error("open circuit must not reach the backend")
	}
}

func TestVerifyCredential_Success(t *testing.T) {
	srv, _ := verifyBackend(t, 200)
	c := NewHTTPClient(srv.URL, 0)

	id, err := c.VerifyCredential(context.Background(), "token")
	if err != nil {
		t.Fatalf("VerifyCredential: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "u@example.test" {
		t.Errorf("identity = %+v", id)
	}
}

func TestGetPermissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/permissions/user-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"permissions":["read:own","write:projects"]}`))
	}))
	t.Cleanup(srv.Close)
	c := NewHTTPClient(srv.URL, 0)

	perms, err := c.GetPermissions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetPermissions: %v", err)
	}
	if len(perms) != 2 || perms[0] != "read:own" {
		t.Errorf("perms = %v", perms)
	}
}
