package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, "client-42", time.Second), srv
}

func TestFetchToken(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/tokens" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Kiwik-Client-Id") != "client-42" {
			t.Errorf("missing client id header")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["identifier"] != "alice" || body["credential"] != "pw" || body["auth_type"] != "password" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 7200})
	}))
	defer srv.Close()

	grant, err := c.FetchToken(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.AccessToken != "tok" || grant.ExpiresIn != 7200 {
		t.Fatalf("unexpected grant %+v", grant)
	}
}

func TestFetchTokenUpstreamError(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"bad credentials"}`))
	}))
	defer srv.Close()

	_, err := c.FetchToken(context.Background(), "alice", "pw")
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if uerr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", uerr.Status)
	}
}

func TestProbeToken(t *testing.T) {
	status := http.StatusOK
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "bearer tok" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	live, err := c.ProbeToken(context.Background(), "bearer", "tok")
	if err != nil || !live {
		t.Fatalf("expected live token, got %v, %v", live, err)
	}

	status = http.StatusUnauthorized
	live, err = c.ProbeToken(context.Background(), "bearer", "tok")
	if err != nil {
		t.Fatalf("401 probe is not an error: %v", err)
	}
	if live {
		t.Fatal("401 probe must report dead token")
	}
}

func TestGroupsPassesTokenAsQueryParam(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("missing access_token param")
		}
		json.NewEncoder(w).Encode([]map[string]string{{"gid": "g1", "name": "Home"}})
	}))
	defer srv.Close()

	groups, err := c.Groups(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 || groups[0].GID != "g1" {
		t.Fatalf("unexpected groups %+v", groups)
	}
}

func TestDeviceEventsPagination(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("per_page") != "15" {
			t.Errorf("unexpected pagination %v", q)
		}
		json.NewEncoder(w).Encode([]map[string]string{{"name": "LOCKED", "level": "INFO"}})
	}))
	defer srv.Close()

	events, err := c.DeviceEvents(context.Background(), "tok", "lock-1", 2, 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Name != "LOCKED" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestUpdateLockUserAlias(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/locks/lock-1/users/FINGERPRINT/3/alias" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth header")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := c.UpdateLockUserAlias(context.Background(), "tok", "lock-1", "FINGERPRINT", 3, "front door"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateLockUserAliasTooLong(t *testing.T) {
	c := NewClient("http://unused", "cid", time.Second)
	err := c.UpdateLockUserAlias(context.Background(), "tok", "d", "CARD", 1, "aaaaaaaaaaaaaaaaa")
	if !errors.Is(err, ErrAliasTooLong) {
		t.Fatalf("expected ErrAliasTooLong, got %v", err)
	}
}

func TestCreateMFAToken(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u-1/mfa/tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["auth_type"] != "secure_password" || body["credential"] != "123456" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "sec-tok"})
	}))
	defer srv.Close()

	tok, err := c.CreateMFAToken(context.Background(), "tok", "u-1", "123456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "sec-tok" {
		t.Fatalf("expected sec-tok, got %q", tok)
	}
}

func TestCreateMFATokenValidation(t *testing.T) {
	c := NewClient("http://unused", "cid", time.Second)
	if _, err := c.CreateMFAToken(context.Background(), "tok", "u-1", "1234567"); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestCreateMFATokenMissingToken(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := c.CreateMFAToken(context.Background(), "tok", "u-1", "123456"); !errors.Is(err, ErrMissingSecureToken) {
		t.Fatalf("expected ErrMissingSecureToken, got %v", err)
	}
}
