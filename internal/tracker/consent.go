package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConsentStore persists the consent flag across restarts.
type ConsentStore interface {
	// Load reports the stored flag. found is false when nothing was saved yet.
	Load(ctx context.Context) (granted, found bool, err error)
	Save(ctx context.Context, granted bool) error
}

// MemoryConsentStore keeps the flag in process memory.
type MemoryConsentStore struct {
	mu      sync.Mutex
	granted bool
	found   bool
}

var _ ConsentStore = (*MemoryConsentStore)(nil)

func (m *MemoryConsentStore) Load(context.Context) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted, m.found, nil
}

func (m *MemoryConsentStore) Save(_ context.Context, granted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted, m.found = granted, true
	return nil
}

// FileConsentStore stores the flag as a small JSON document.
type FileConsentStore struct {
	path string
	now  func() time.Time
}

var _ ConsentStore = (*FileConsentStore)(nil)

func NewFileConsentStore(path string) *FileConsentStore {
	return &FileConsentStore{path: path, now: time.Now}
}

type consentFile struct {
	Consented bool      `json:"consented"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Load returns found=false when the file doesn't exist.
func (f *FileConsentStore) Load(context.Context) (bool, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("read consent: %w", err)
	}
	var cf consentFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return false, false, fmt.Errorf("decode consent: %w", err)
	}
	return cf.Consented, true, nil
}

// Save replaces the file atomically via a temp file and rename.
func (f *FileConsentStore) Save(_ context.Context, granted bool) error {
	data, err := json.Marshal(consentFile{Consented: granted, UpdatedAt: f.now().UTC()})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".consent-*")
	if err != nil {
		return fmt.Errorf("write consent: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write consent: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write consent: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write consent: %w", err)
	}
	return nil
}
