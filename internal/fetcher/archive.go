package fetcher

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// extractedFile is one regular file unpacked from an archive.
type extractedFile struct {
	path string
	size int64
}

// unzip extracts every regular file of the archive at src into dest, in
// archive order. Entries escaping dest are rejected.
func unzip(src, dest string) ([]extractedFile, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrExtraction, filepath.Base(src), err)
	}
	defer zr.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	var files []extractedFile

	for _, zf := range zr.File {
		target := filepath.Join(dest, filepath.FromSlash(zf.Name))
		if !strings.HasPrefix(target, root) {
			return nil, fmt.Errorf("%w: entry %q escapes the archive root", types.ErrExtraction, zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrExtraction, err)
			}
			continue
		}

		n, err := extractOne(zf, target)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrExtraction, zf.Name, err)
		}
		files = append(files, extractedFile{path: target, size: n})
	}
	return files, nil
}

func extractOne(zf *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := zf.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// largestWithExt returns the biggest file whose extension matches ext
// (case-insensitive). Ties go to the first file in archive order.
func largestWithExt(files []extractedFile, ext string) (extractedFile, bool) {
	var (
		best  extractedFile
		found bool
	)
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f.path), ext) {
			continue
		}
		if !found || f.size > best.size {
			best, found = f, true
		}
	}
	return best, found
}

// copyInto copies src to dst through a temporary sibling and a rename, so a
// concurrent writer of the same name is overwritten rather than interleaved.
func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
