package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

const fileVersion = 1

type fileDoc struct {
	Version int                        `json:"version"`
	VMs     map[string]*model.VMConfig `json:"vms"`
}

// File keeps the registry in one JSON document. Saves write a temporary
// file in the same directory and rename it over the old one.
type File struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

func NewFile(path string, log *zap.Logger) *File {
	if log == nil {
		log = zap.NewNop()
	}
	return &File{path: path, log: log.Named("store")}
}

// Load reads the registry. A missing file is an empty registry.
func (f *File) Load(context.Context) (map[string]*model.VMConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*model.VMConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", f.path, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("registry %s has version %d, newest supported is %d", f.path, doc.Version, fileVersion)
	}
	if doc.VMs == nil {
		doc.VMs = map[string]*model.VMConfig{}
	}
	for id, vm := range doc.VMs {
		if vm == nil || vm.ID != id {
			return nil, fmt.Errorf("registry %s: entry %q does not match its key", f.path, id)
		}
	}
	f.log.Info("registry loaded", zap.String("path", f.path), zap.Int("vms", len(doc.VMs)))
	return doc.VMs, nil
}

func (f *File) Save(_ context.Context, registry map[string]*model.VMConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(fileDoc{Version: fileVersion, VMs: registry}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func (f *File) Close() {}
