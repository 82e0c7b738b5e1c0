package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// atomicWrite writes content to a temp file in the destination directory,
// syncs it, then renames it over path. Readers observe either the old
// content or the new, never a partial write.
func (m *Manager) atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(m.fs, dir, ".postbox-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// Clean up the temp file on any failure path
		_ = tmp.Close()
		_ = m.fs.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := m.fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
