package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

// PermissionDeniedError is returned when a session is started without a
// valid capture grant.
type PermissionDeniedError struct {
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return "screen capture permission denied: " + e.Reason
}

// Grant is a capture authorization issued after interactive consent.
type Grant struct {
	Token     string    `yaml:"token" json:"token"`
	IssuedAt  time.Time `yaml:"issued_at" json:"issued_at"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
}

func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

type grantFile struct {
	Grants []Grant `yaml:"grants"`
}

// GrantStore persists capture grants as YAML.
type GrantStore struct {
	path  string
	clock clock.PassiveClock
	mu    sync.Mutex
}

// DefaultGrantPath returns the grant store location in the XDG state
// directory, creating parent directories as needed.
func DefaultGrantPath() (string, error) {
	path, err := xdg.StateFile(filepath.Join("screenrec", "grants.yaml"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve grant store path: %w", err)
	}
	return path, nil
}

func NewGrantStore(path string, clk clock.PassiveClock) *GrantStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &GrantStore{path: path, clock: clk}
}

func (s *GrantStore) Path() string {
	return s.path
}

// Issue creates a grant valid for ttl and drops expired ones.
func (s *GrantStore) Issue(ttl time.Duration) (Grant, error) {
	if ttl <= 0 {
		return Grant{}, fmt.Errorf("grant ttl must be > 0, got %s", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.load()
	if err != nil {
		return Grant{}, err
	}
	now := s.clock.Now()
	g := Grant{
		Token:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	grants = append(s.active(grants, now), g)
	if err := s.save(grants); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// Validate returns a PermissionDeniedError unless token names a live grant.
func (s *GrantStore) Validate(token string) error {
	if token == "" {
		return &PermissionDeniedError{Reason: "no capture grant, run 'screenrec grant' first"}
	}
	if _, err := uuid.Parse(token); err != nil {
		return &PermissionDeniedError{Reason: "malformed capture grant"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	grants, err := s.load()
	if err != nil {
		return err
	}
	for _, g := range grants {
		if g.Token != token {
			continue
		}
		if g.Expired(s.clock.Now()) {
			return &PermissionDeniedError{Reason: "capture grant expired at " + g.ExpiresAt.Format(time.RFC3339)}
		}
		return nil
	}
	return &PermissionDeniedError{Reason: "unknown capture grant"}
}

// Revoke removes a grant. Unknown tokens are ignored.
func (s *GrantStore) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants, err := s.load()
	if err != nil {
		return err
	}
	kept := grants[:0]
	for _, g := range grants {
		if g.Token != token {
			kept = append(kept, g)
		}
	}
	return s.save(kept)
}

// List returns the grants that have not expired.
func (s *GrantStore) List() ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants, err := s.load()
	if err != nil {
		return nil, err
	}
	return s.active(grants, s.clock.Now()), nil
}

func (s *GrantStore) active(grants []Grant, now time.Time) []Grant {
	var out []Grant
	for _, g := range grants {
		if !g.Expired(now) {
			out = append(out, g)
		}
	}
	return out
}

func (s *GrantStore) load() ([]Grant, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant store %s: %w", s.path, err)
	}
	var f grantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse grant store %s: %w", s.path, err)
	}
	return f.Grants, nil
}

func (s *GrantStore) save(grants []Grant) error {
	data, err := yaml.Marshal(grantFile{Grants: grants})
	if err != nil {
		return fmt.Errorf("error marshaling grants: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
