package kv

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// FileStore keeps one file per key under Dir.
type FileStore struct {
	Dir string
}

type fileEntry struct {
	Key       string    `msgpack:"k"`
	Data      []byte    `msgpack:"d"`
	ExpiresAt time.Time `msgpack:"e"`
}

const fileExt = ".kv"

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	var sum [8]byte
	h := xxhash.Sum64String(key)
	for i := 0; i < 8; i++ {
		sum[i] = byte(h >> (56 - 8*i))
	}
	return filepath.Join(s.Dir, hex.EncodeToString(sum[:])+fileExt)
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	filename := s.path(key)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entry fileEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		_ = os.Remove(filename)
		return nil, false, fmt.Errorf("corrupt cache file %s: %w", filename, err)
	}
	// hash collision
	if entry.Key != key {
		return nil, false, nil
	}
	if !entry.ExpiresAt.IsZero() && !time.Now().Before(entry.ExpiresAt) {
		_ = os.Remove(filename)
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := fileEntry{Key: key, Data: value}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return err
	}
	filename := s.path(key)
	tmp, err := os.CreateTemp(s.Dir, "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Flush removes every cache file in Dir.
func (s *FileStore) Flush(context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
