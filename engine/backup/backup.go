// Package backup archives produced installers under a dated directory.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/buildsmith/buildsmith/pkg/logger"
)

// folderLayout names the per-build directory, e.g. 2026-08-24-10-30.
const folderLayout = "2006-01-02-15-04"

// Manager copies build artifacts into <root>/<date>/ and hands back paths
// relative to root, which is what the download endpoint serves from.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the archival root directory.
func (m *Manager) Root() string { return m.root }

// Store copies src into a dated folder and returns its path relative to the
// backup root.
func (m *Manager) Store(ctx context.Context, src string) (string, error) {
	folder := time.Now().Format(folderLayout)
	destDir := filepath.Join(m.root, folder)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create %s: %w", destDir, err)
	}
	name := filepath.Base(src)
	dest := filepath.Join(destDir, name)
	if err := copyFile(src, dest); err != nil {
		return "", err
	}
	rel := filepath.ToSlash(filepath.Join(folder, name))
	logger.FromContext(ctx).Info("artifact archived", "path", rel)
	return rel, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("backup: copy to %s: %w", dest, err)
	}
	return out.Sync()
}
