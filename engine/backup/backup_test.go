package backup

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerStore(t *testing.T) {
	t.Run("Should copy the artifact into a dated folder", func(t *testing.T) {
		root := t.TempDir()
		src := filepath.Join(t.TempDir(), "app.dmg")
		require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

		m := NewManager(root)
		rel, err := m.Store(context.Background(), src)
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{2}-\d{2}/app\.dmg$`), rel)
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})
	t.Run("Should fail when the source is missing", func(t *testing.T) {
		m := NewManager(t.TempDir())
		_, err := m.Store(context.Background(), filepath.Join(t.TempDir(), "ghost.exe"))
		assert.Error(t, err)
	})
}
