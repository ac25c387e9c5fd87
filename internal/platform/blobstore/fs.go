package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSBlobStore keeps blob content on the local filesystem. Each blob is a pair
// of files under the root directory: <id>.bin for content and <id>.json for
// metadata.
type FSBlobStore struct {
	mu   sync.RWMutex
	root string
}

// NewFSBlobStore creates the root directory if needed and returns the store.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory %s: %w", root, err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) contentPath(id string) string {
	return filepath.Join(s.root, id+".bin")
}

func (s *FSBlobStore) metaPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

func (s *FSBlobStore) readMeta(id string) (*BlobMetadata, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta BlobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

func (s *FSBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := validateUpload(&meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.contentPath(meta.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write blob content: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), metaJSON, 0o644); err != nil {
		os.Remove(s.contentPath(meta.ID))
		return nil, fmt.Errorf("write blob metadata: %w", err)
	}

	out := meta
	return &out, nil
}

func (s *FSBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open blob content: %w", err)
	}
	return f, meta, nil
}

func (s *FSBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(id); err != nil {
		return err
	}
	if err := os.Remove(s.contentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob content: %w", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil {
		return fmt.Errorf("remove blob metadata: %w", err)
	}
	return nil
}

func (s *FSBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(id)
}

func (s *FSBlobStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, 0, fmt.Errorf("read blob directory: %w", err)
	}

	var matched []*BlobMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		meta, err := s.readMeta(id)
		if err != nil {
			continue
		}
		if meta.PatientID != patientID {
			continue
		}
		matched = append(matched, meta)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

var (
	_ BlobStore = (*InMemoryBlobStore)(nil)
	_ BlobStore = (*FSBlobStore)(nil)
)
