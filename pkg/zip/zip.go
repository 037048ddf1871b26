package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ArchiveDir streams every file under root into w as a zip archive.
// Entries are named relative to root, below prefix. Used to hand a whole
// tile pyramid to a caller in one download.
func ArchiveDir(w io.Writer, root, prefix string) error {
	zw := zip.NewWriter(w)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(filepath.Join(prefix, rel)))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return fmt.Errorf("zip: archive %s: %w", root, walkErr)
	}
	return zw.Close()
}
