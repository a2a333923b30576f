package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kiwi-bridge/internal/auth"
	"kiwi-bridge/internal/wire"
)

const (
	defaultTimeout = 10 * time.Second
	probeTimeout   = 3 * time.Second

	maxAliasLen    = 16
	maxPasswordLen = 6
)

var (
	// ErrAliasTooLong rejects alias updates over the platform limit.
	ErrAliasTooLong = errors.New("api: alias longer than 16 characters")
	// ErrPasswordTooLong rejects secure passwords over the platform limit.
	ErrPasswordTooLong = errors.New("api: password longer than 6 characters")
	// ErrMissingSecureToken is a structurally bad MFA response.
	ErrMissingSecureToken = errors.New("api: mfa response missing access_token")
)

// UpstreamError is any non-2xx REST response. The body is kept for logging
// when parseable.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("api: upstream status %d: %s", e.Status, e.Body)
}

type Group struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type Device struct {
	DID     string `json:"did"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

type User struct {
	UID string `json:"uid"`
}

// LockUser is one roster entry on a lock: a registered credential with an
// optional alias.
type LockUser struct {
	Type      string `json:"type"`
	Number    int    `json:"number"`
	Alias     string `json:"alias"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type StreamInfo struct {
	Media struct {
		URI string `json:"uri"`
	} `json:"media"`
}

// Client is the authenticated JSON client for the vendor REST API. Tokens are
// supplied per call; the client holds no credential state.
type Client struct {
	base     string
	clientID string
	http     *http.Client
	probe    *http.Client
}

func NewClient(base, clientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:     base,
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
		probe:    &http.Client{Timeout: probeTimeout},
	}
}

// FetchToken exchanges account credentials for a token grant.
func (c *Client) FetchToken(ctx context.Context, identifier, credential string) (*auth.Grant, error) {
	body := map[string]string{
		"identifier": identifier,
		"credential": credential,
		"auth_type":  "password",
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.base+"/auth/tokens", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Kiwik-Client-Id", c.clientID)

	var grant auth.Grant
	if err := c.do(req, http.StatusCreated, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// ProbeToken is the inexpensive liveness check: a 200 from the groups listing
// means the token is still accepted, a 401 means it is not.
func (c *Client) ProbeToken(ctx context.Context, tokenType, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/groups", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", tokenType+" "+token)
	resp, err := c.probe.Do(req)
	if err != nil {
		return false, fmt.Errorf("api: token probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("token probe rejected")
		return false, nil
	}
	return resp.StatusCode == http.StatusOK, nil
}

// Groups lists the account's device groups.
func (c *Client) Groups(ctx context.Context, token string) ([]Group, error) {
	var out []Group
	return out, c.getJSON(ctx, c.authedURL("/groups", token), &out)
}

// GroupDevices lists the devices in one group.
func (c *Client) GroupDevices(ctx context.Context, token, gid string) ([]Device, error) {
	var out []Device
	return out, c.getJSON(ctx, c.authedURL("/groups/"+gid+"/devices", token), &out)
}

// UserInfo fetches the account owner.
func (c *Client) UserInfo(ctx context.Context, token string) (*User, error) {
	var out User
	if err := c.getJSON(ctx, c.authedURL("/user", token), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LockUsers fetches the authoritative user roster for one lock.
func (c *Client) LockUsers(ctx context.Context, token, did string) ([]LockUser, error) {
	var out []LockUser
	return out, c.getJSON(ctx, c.authedURL("/locks/"+did+"/users", token), &out)
}

// DeviceEvents fetches a page of recent raw events for one device.
func (c *Client) DeviceEvents(ctx context.Context, token, did string, page, perPage int) ([]wire.EventPayload, error) {
	u := c.base + "/devices/" + did + "/events?page=" + strconv.Itoa(page) +
		"&per_page=" + strconv.Itoa(perPage) + "&access_token=" + url.QueryEscape(token)
	var out []wire.EventPayload
	return out, c.getJSON(ctx, u, &out)
}

// DeviceStream fetches the media info for a recorded stream.
func (c *Client) DeviceStream(ctx context.Context, token, did, streamID string) (*StreamInfo, error) {
	var out StreamInfo
	if err := c.getJSON(ctx, c.authedURL("/devices/"+did+"/streams/"+streamID, token), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateLockUserAlias renames a roster entry. The platform caps aliases at 16
// characters and answers 204 on success.
func (c *Client) UpdateLockUserAlias(ctx context.Context, token, did, userType string, userID int, alias string) error {
	if len([]rune(alias)) > maxAliasLen {
		return ErrAliasTooLong
	}
	u := fmt.Sprintf("%s/locks/%s/users/%s/%d/alias", c.base, did, userType, userID)
	req, err := c.newJSONRequest(ctx, http.MethodPut, u, alias)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, http.StatusNoContent, nil)
}

// CreateMFAToken verifies the secure password and returns the short-lived
// secure token that authorizes a single unlock command.
func (c *Client) CreateMFAToken(ctx context.Context, token, uid, password string) (string, error) {
	if len([]rune(password)) > maxPasswordLen {
		return "", ErrPasswordTooLong
	}
	body := map[string]string{
		"auth_type":  "secure_password",
		"credential": password,
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.base+"/users/"+uid+"/mfa/tokens", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Kiwik-Client-Id", c.clientID)

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(req, http.StatusCreated, &grant); err != nil {
		return "", err
	}
	if grant.AccessToken == "" {
		return "", ErrMissingSecureToken
	}
	return grant.AccessToken, nil
}

func (c *Client) authedURL(path, token string) string {
	return c.base + path + "?access_token=" + url.QueryEscape(token)
}

func (c *Client) newJSONRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		uerr := &UpstreamError{Status: resp.StatusCode, Body: string(b)}
		if json.Valid(b) {
			slog.Error("upstream error", "method", req.Method, "path", req.URL.Path,
				"status", resp.StatusCode, "body", string(b))
		} else {
			slog.Error("upstream error", "method", req.Method, "path", req.URL.Path,
				"status", resp.StatusCode)
		}
		return uerr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
