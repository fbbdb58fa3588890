package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workdir is a disposable per-job directory holding the rendered inventory,
// extra-vars file and (when needed) the SSH secret. Secrets written here are
// mode 0600 and the whole directory is removed when the job ends.
type Workdir struct {
	Path string
}

// NewWorkdir creates a fresh uniquely-named directory under baseDir
func NewWorkdir(baseDir string) (*Workdir, error) {
	path := filepath.Join(baseDir, uuid.New().String())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	return &Workdir{Path: path}, nil
}

// WriteInventory writes the rendered inventory and returns its path
func (w *Workdir) WriteInventory(content string) (string, error) {
	path := filepath.Join(w.Path, "inventory.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write inventory: %w", err)
	}
	return path, nil
}

// WriteExtraVars writes the extra-vars YAML document and returns its path
func (w *Workdir) WriteExtraVars(data []byte) (string, error) {
	path := filepath.Join(w.Path, "extra_vars.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write extra vars: %w", err)
	}
	return path, nil
}

// WriteSecret writes decrypted credential material with tight permissions
// and returns its path. The caller is responsible for never logging the
// content; Cleanup removes it together with the rest of the directory.
func (w *Workdir) WriteSecret(name string, data []byte) (string, error) {
	path := filepath.Join(w.Path, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write secret file: %w", err)
	}
	return path, nil
}

// Cleanup removes the directory and everything in it
func (w *Workdir) Cleanup() error {
	return os.RemoveAll(w.Path)
}
