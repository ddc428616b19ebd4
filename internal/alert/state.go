package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/knoguchi/tendersense/internal/tender"
)

var (
	// ErrUnknownProfile is returned for profile names that are not configured.
	ErrUnknownProfile = errors.New("unknown alert profile")
	// ErrInvalidProfileName is returned for names unusable as storage keys.
	ErrInvalidProfileName = errors.New("invalid profile name")
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProfileName reports whether name can be used as a storage key.
func ValidProfileName(name string) bool {
	return profileNamePattern.MatchString(name)
}

// StateStore persists one AlertState per profile. Load returns an empty
// state for profiles that never ran.
type StateStore interface {
	Load(ctx context.Context, profile string) (tender.AlertState, error)
	Save(ctx context.Context, profile string, state tender.AlertState) error
}

// FileStore keeps each profile's state in <dir>/<profile>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(profile string) (string, error) {
	if !ValidProfileName(profile) {
		return "", fmt.Errorf("%q: %w", profile, ErrInvalidProfileName)
	}
	return filepath.Join(s.dir, profile+".json"), nil
}

// Load reads the profile's state.
func (s *FileStore) Load(_ context.Context, profile string) (tender.AlertState, error) {
	p, err := s.path(profile)
	if err != nil {
		return tender.AlertState{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return tender.AlertState{SeenIDs: []string{}}, nil
	}
	if err != nil {
		return tender.AlertState{}, fmt.Errorf("reading state: %w", err)
	}

	var st tender.AlertState
	if err := json.Unmarshal(data, &st); err != nil {
		return tender.AlertState{}, fmt.Errorf("decoding state %s: %w", p, err)
	}
	if st.SeenIDs == nil {
		st.SeenIDs = []string{}
	}
	return st, nil
}

// Save replaces the profile's state atomically: a reader sees either the old
// or the new file, never a partial write.
func (s *FileStore) Save(_ context.Context, profile string, state tender.AlertState) error {
	p, err := s.path(profile)
	if err != nil {
		return err
	}
	if state.SeenIDs == nil {
		state.SeenIDs = []string{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+profile+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

var _ StateStore = (*FileStore)(nil)
