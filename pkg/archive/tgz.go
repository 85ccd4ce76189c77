package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mholt/archiver/v4"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/progress"
	"kubegems.io/smdeploy/pkg/types"
)

var tgz = archiver.CompressedArchive{
	Archival:    archiver.Tar{},
	Compression: archiver.Gz{},
}

// TGZ archives the contents of dir into intofile and returns the sha256 digest of the archive.
// Members are rooted at the archive top level, hidden entries directly under dir are skipped.
// An empty intofile only computes the digest. out receives a progress bar, discarded when nil.
func TGZ(ctx context.Context, dir string, intofile string, out io.Writer) (digest.Digest, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("dir", dir)

	files, err := archiver.FilesFromDisk(
		&archiver.FromDiskOptions{ClearAttributes: true},
		map[string]string{filepath.Clean(dir) + string(os.PathSeparator): ""},
	)
	if err != nil {
		return "", err
	}
	visible := files[:0]
	var total int64
	for _, f := range files {
		// the root dir itself maps to an empty member name
		if f.NameInArchive == "" || isHidden(topLevel(f.NameInArchive)) {
			continue
		}
		if !f.IsDir() {
			total += f.Size()
		}
		visible = append(visible, f)
	}
	files = visible
	log.V(1).Info("archiving", "entries", len(files), "size", total)

	writers := []io.Writer{}
	if intofile != "" {
		if err := os.MkdirAll(filepath.Dir(intofile), 0o755); err != nil {
			return "", err
		}
		f, err := os.Create(intofile)
		if err != nil {
			return "", err
		}
		defer f.Close()

		writers = append(writers, f)
	}
	d := digest.Canonical.Digester()
	writers = append(writers, d.Hash())

	if out == nil {
		out = io.Discard
	}
	mb := progress.NewMultiBar(out, 40, 1)
	runctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mb.Run(runctx)

	name := filepath.Base(dir)
	mb.Go(name, "pending", func(b *progress.Bar) error {
		b.SetStatus(name, "packing")
		b.SetProgress(0, total)
		if err := tgz.Archive(ctx, io.MultiWriter(writers...), countFiles(files, b)); err != nil {
			return err
		}
		b.SetStatus(name, "packed")
		return nil
	})
	if err := mb.Wait(); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// countFiles adds the bytes read from each regular file to bar.
func countFiles(files []archiver.File, bar *progress.Bar) []archiver.File {
	counted := make([]archiver.File, len(files))
	for i, f := range files {
		counted[i] = f
		if f.IsDir() || f.Open == nil {
			continue
		}
		open := f.Open
		counted[i].Open = func() (io.ReadCloser, error) {
			rc, err := open()
			if err != nil {
				return nil, err
			}
			return &countingReader{rc: rc, bar: bar}, nil
		}
	}
	return counted
}

type countingReader struct {
	rc  io.ReadCloser
	bar *progress.Bar
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.bar.Increment(int64(n))
	return n, err
}

func (r *countingReader) Close() error {
	return r.rc.Close()
}

func UnTGZ(ctx context.Context, intodir string, reader io.Reader) error {
	return tgz.Extract(ctx, reader, nil, func(ctx context.Context, f archiver.File) error {
		name, err := cleanMemberName(f.NameInArchive)
		if err != nil {
			return err
		}
		nameinlocal := filepath.Join(intodir, filepath.FromSlash(name))
		if f.IsDir() {
			return os.MkdirAll(nameinlocal, f.Mode().Perm()|0o700)
		}
		srcfile, err := f.Open()
		if err != nil {
			return err
		}
		defer srcfile.Close()

		if err := os.MkdirAll(filepath.Dir(nameinlocal), 0o755); err != nil {
			return err
		}
		intofile, err := os.OpenFile(nameinlocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			return err
		}
		defer intofile.Close()

		_, err = io.Copy(intofile, srcfile)
		return err
	})
}

// CheckExtract unpacks filename into a scratch dir the way the serving container does
// and checks the required paths exist right under it.
func CheckExtract(ctx context.Context, filename string, required []string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	tmp, err := os.MkdirTemp("", "smdeploy-extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := UnTGZ(ctx, tmp, f); err != nil {
		return fmt.Errorf("extract %s: %w", filename, err)
	}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(tmp, filepath.FromSlash(name))); err != nil {
			return smerrors.NewArchiveInvalidError(fmt.Sprintf("%s missing after extracting %s", name, filepath.Base(filename)))
		}
	}
	return nil
}

// List reads the archive at filename and describes its regular file members.
func List(ctx context.Context, filename string) (*types.ArchiveManifest, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	archivedigest, err := digest.FromReader(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	manifest := &types.ArchiveManifest{
		Path:    filename,
		Digest:  archivedigest,
		Size:    fi.Size(),
		Members: []types.Descriptor{},
	}
	err = tgz.Extract(ctx, f, nil, func(ctx context.Context, af archiver.File) error {
		if af.IsDir() {
			return nil
		}
		rc, err := af.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		memberdigest, err := digest.FromReader(rc)
		if err != nil {
			return err
		}
		manifest.Members = append(manifest.Members, types.Descriptor{
			Name:      af.NameInArchive,
			MediaType: types.MediaTypeModelFile,
			Digest:    memberdigest,
			Size:      af.Size(),
			Mode:      af.Mode(),
			Modified:  af.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(manifest.Members, types.SortDescriptorName)
	return manifest, nil
}

// Verify checks the required members exist and that members are not wrapped in a single enclosing directory.
func Verify(manifest *types.ArchiveManifest, required []string) error {
	if len(manifest.Members) == 0 {
		return smerrors.NewArchiveInvalidError("archive is empty")
	}
	toplevels := map[string]bool{}
	hasTopLevelFile := false
	for _, member := range manifest.Members {
		name, err := cleanMemberName(member.Name)
		if err != nil {
			return err
		}
		if name != strings.TrimPrefix(member.Name, "./") {
			return smerrors.NewArchiveInvalidError("member not rooted at archive top level: " + member.Name)
		}
		top := topLevel(name)
		toplevels[top] = true
		if top == name {
			hasTopLevelFile = true
		}
	}
	if !hasTopLevelFile && len(toplevels) == 1 {
		for top := range toplevels {
			return smerrors.NewArchiveInvalidError("archive members are nested under enclosing directory " + top + "/")
		}
	}
	for _, name := range required {
		if !manifest.Has(name) {
			return smerrors.NewArchiveInvalidError("missing member " + name)
		}
	}
	return nil
}

func cleanMemberName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(name, "./"))
	if path.IsAbs(name) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", smerrors.NewArchiveInvalidError("illegal member name: " + name)
	}
	return cleaned, nil
}

func topLevel(name string) string {
	if i := strings.Index(name, "/"); i != -1 {
		return name[:i]
	}
	return name
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
