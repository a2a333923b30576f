package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// expiryMargin is subtracted from server-reported token lifetimes so a token
// is treated as expired well before the platform rejects it.
const expiryMargin = 300 * time.Second

// Record is the persisted credential pair for one account.
type Record struct {
	Identifier   string `json:"identifier"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Expired reports whether the record should no longer be trusted at now,
// applying the safety margin.
func (r *Record) Expired(now time.Time) bool {
	if r == nil || r.ExpiresAt == 0 {
		return true
	}
	return now.Unix() > r.ExpiresAt-int64(expiryMargin.Seconds())
}

// Store persists one token record per account identifier.
type Store struct {
	identifier string
	path       string
}

func NewStore(dir, identifier string) (*Store, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, errors.New("auth: empty identifier")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("auth: create token dir: %w", err)
	}
	safe := strings.NewReplacer("+", "_", "/", "_").Replace(identifier)
	return &Store{
		identifier: identifier,
		path:       filepath.Join(dir, "kiwiot_tokens_"+safe+".json"),
	}, nil
}

func (s *Store) Path() string { return s.path }

// Exists reports whether a token file is present, regardless of its contents.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the stored record, or nil when none exists or the stored
// identifier does not match the current account. A mismatched record is never
// trusted; it would mean the storage was reused across accounts.
func (s *Store) Load() (*Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read token file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("auth: decode token file: %w", err)
	}
	if rec.Identifier != s.identifier {
		return nil, nil
	}
	return &rec, nil
}

// Save writes the record atomically from the reader's perspective:
// write-to-temp then rename, so a crash never leaves a partial file.
func (s *Store) Save(rec *Record) error {
	rec.Identifier = s.identifier
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode token record: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("auth: write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("auth: rename token file: %w", err)
	}
	return nil
}
