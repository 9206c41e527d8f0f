package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// FileRuleStore keeps permissions in a JSON settings file under the
// "permissions" key. Other keys in the file are preserved. Writes are
// atomic; concurrent Add calls are last-write-wins.
type FileRuleStore struct {
	path string
}

// NewFileRuleStore returns a store backed by path. The file need not exist.
func NewFileRuleStore(path string) *FileRuleStore {
	return &FileRuleStore{path: path}
}

// Path returns the backing file path.
func (s *FileRuleStore) Path() string { return s.path }

func (s *FileRuleStore) load() (map[string]json.RawMessage, Permissions, error) {
	doc := make(map[string]json.RawMessage)
	var perms Permissions

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, perms, nil
		}
		return nil, perms, fmt.Errorf("failed to read settings file: %w", err)
	}
	if len(data) == 0 {
		return doc, perms, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, perms, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if raw, ok := doc["permissions"]; ok {
		if err := json.Unmarshal(raw, &perms); err != nil {
			return nil, perms, fmt.Errorf("failed to parse permissions: %w", err)
		}
	}
	return doc, perms, nil
}

// Permissions reads the current rules.
func (s *FileRuleStore) Permissions(ctx context.Context) (Permissions, error) {
	_, perms, err := s.load()
	return perms, err
}

// AddAllowRule appends rule to the allow list unless already present.
func (s *FileRuleStore) AddAllowRule(ctx context.Context, rule string) error {
	return s.update(func(p *Permissions) {
		if !slices.Contains(p.Allow, rule) {
			p.Allow = append(p.Allow, rule)
		}
	})
}

// AddDenyRule appends rule to the deny list unless already present.
func (s *FileRuleStore) AddDenyRule(ctx context.Context, rule string) error {
	return s.update(func(p *Permissions) {
		if !slices.Contains(p.Deny, rule) {
			p.Deny = append(p.Deny, rule)
		}
	})
}

func (s *FileRuleStore) update(fn func(*Permissions)) error {
	doc, perms, err := s.load()
	if err != nil {
		return err
	}
	fn(&perms)

	raw, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	doc["permissions"] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	// Write atomically using temp file + rename
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename settings file: %w", err)
	}
	return nil
}
