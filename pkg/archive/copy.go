package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// CopyTree copies the contents of src into dst, merging with existing content.
// Symlinks are followed and copied as regular files.
func CopyTree(ctx context.Context, src, dst string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("src", src, "dst", dst)
	log.V(1).Info("copying tree")

	count := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if d.Type()&fs.ModeSymlink != 0 {
				return CopyTree(ctx, path, target)
			}
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("unsupported file type: %s", path)
		}
		count++
		return copyFile(path, target, fi.Mode().Perm())
	})
	if err != nil {
		return err
	}
	log.V(1).Info("tree copied", "files", count)
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
