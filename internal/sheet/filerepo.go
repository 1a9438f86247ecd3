package sheet

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// LoadDir loads every sheet and version document matching the glob pattern
// under root into a MemoryRepository. Documents with a top-level "sheet"
// member are treated as version snapshots, everything else as sheets.
// Pattern defaults to "**/*.json".
func LoadDir(root, pattern string) (*MemoryRepository, error) {
	if pattern == "" {
		pattern = "**/*.json"
	}
	repo := NewMemoryRepository()
	fsys := os.DirFS(root)
	err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Join(root, path), err)
		}
		if v, err := DecodeVersionDocument(raw); err == nil {
			repo.AddVersion(v)
			if v.Sheet != nil {
				repo.AddSheet(v.Sheet)
			}
			return nil
		}
		s, err := DecodeDocument(raw)
		if err != nil {
			return fmt.Errorf("load %s: %w", filepath.Join(root, path), err)
		}
		repo.AddSheet(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}
