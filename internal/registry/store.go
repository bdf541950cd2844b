package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the registry file format version. Bump the major on
// incompatible layout changes; loaders reject data from a different major.
const SchemaVersion = "1.0.0"

// Store errors surfaced by FileStore. The Registry absorbs them; callers
// outside this package normally never see these.
var (
	ErrCorruptStore        = errors.New("registry store is corrupt")
	ErrIncompatibleVersion = errors.New("registry schema version is incompatible")
)

// Store is the persistence contract for registry records. Load returns the
// full record set; Save rewrites it in full (write-through, no batching).
type Store interface {
	Load() (map[string]Record, error)
	Save(records map[string]Record) error
}

// fileEnvelope is the on-disk registry layout.
type fileEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	Records       map[string]Record `json:"records"`
}

// FileStore persists the registry as a single JSON file, rewritten in full
// on every mutation.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed registry store at path. The file is
// created lazily on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the full record set. A missing file yields an empty map with
// no error; unreadable or version-incompatible data returns an error the
// Registry downgrades to a warning.
func (s *FileStore) Load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var envelope fileEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	if err := checkSchemaVersion(envelope.SchemaVersion); err != nil {
		return nil, err
	}

	if envelope.Records == nil {
		envelope.Records = map[string]Record{}
	}
	return envelope.Records, nil
}

// Save rewrites the full record set.
func (s *FileStore) Save(records map[string]Record) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create registry directory: %w", err)
		}
	}

	envelope := fileEnvelope{
		SchemaVersion: SchemaVersion,
		Records:       records,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write registry file: %w", err)
	}
	return nil
}

// checkSchemaVersion verifies the stored version shares the current major.
// Older files without a version field are treated as pre-1.0 and rejected.
func checkSchemaVersion(stored string) error {
	if stored == "" {
		return fmt.Errorf("%w: missing schema_version", ErrIncompatibleVersion)
	}

	storedVer, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("%w: invalid schema_version %q", ErrIncompatibleVersion, stored)
	}
	currentVer := semver.MustParse(SchemaVersion)

	if storedVer.Major() != currentVer.Major() {
		return fmt.Errorf("%w: file has %s, supported major is %d",
			ErrIncompatibleVersion, stored, currentVer.Major())
	}
	return nil
}
