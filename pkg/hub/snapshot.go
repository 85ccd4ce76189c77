package hub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/progress"
	"kubegems.io/smdeploy/pkg/types"
)

const (
	DefaultConcurrency = 4
	DownloadRetries    = 3
)

type SnapshotOptions struct {
	Revision       string
	Dir            string
	AllowPatterns  []string
	IgnorePatterns []string
	Concurrency    int
	// Output receives progress bars, discarded when nil.
	Output io.Writer
}

// Snapshot downloads every matching file of the repository into opts.Dir.
// Files already present with the expected size and digest are kept.
func (c *Client) Snapshot(ctx context.Context, repoID string, opts SnapshotOptions) ([]types.Descriptor, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("repo", repoID)

	info, err := c.ModelInfo(ctx, repoID, opts.Revision)
	if err != nil {
		return nil, err
	}
	files := FilterSiblings(info.Siblings, opts.AllowPatterns, opts.IgnorePatterns)
	if len(files) == 0 {
		return nil, smerrors.NewParameterInvalidError(fmt.Sprintf("no files of %s match the allow patterns %v", repoID, opts.AllowPatterns))
	}
	for _, file := range files {
		if err := checkSiblingName(file.RFilename); err != nil {
			return nil, err
		}
	}
	log.Info("downloading snapshot", "sha", info.SHA, "files", len(files), "dir", opts.Dir)

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	mb := progress.NewMultiBar(out, 40, opts.Concurrency)
	runctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mb.Run(runctx)

	descs := make([]types.Descriptor, len(files))
	mu := sync.Mutex{}
	for i, file := range files {
		i, file := i, file
		mb.Go(file.RFilename, "pending", func(b *progress.Bar) error {
			desc, err := c.downloadSibling(ctx, repoID, info.SHA, file, opts.Dir, b)
			if err != nil {
				return fmt.Errorf("download %s: %w", file.RFilename, err)
			}
			mu.Lock()
			descs[i] = desc
			mu.Unlock()
			return nil
		})
	}
	if err := mb.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(descs, types.SortDescriptorName)
	return descs, nil
}

func (c *Client) downloadSibling(ctx context.Context, repoID, revision string, file Sibling, dir string, bar *progress.Bar) (types.Descriptor, error) {
	filename := filepath.Join(dir, filepath.FromSlash(file.RFilename))
	desc := types.Descriptor{
		Name:      file.RFilename,
		MediaType: types.MediaTypeModelFile,
		Size:      file.ExpectedSize(),
		URLs:      []string{c.Endpoint + "/" + repoID + "/resolve/" + revision + "/" + file.RFilename},
	}
	if file.LFS != nil && file.LFS.SHA256 != "" {
		desc.Digest = digest.NewDigestFromEncoded(digest.SHA256, file.LFS.SHA256)
	}

	bar.SetStatus(file.RFilename, "checking")
	exists, err := checkLocalFile(filename, desc)
	if err != nil {
		return desc, err
	}
	if exists {
		bar.SetProgress(desc.Size, desc.Size)
		bar.SetStatus(file.RFilename, "already exists")
		return desc, nil
	}

	err = retry(ctx, DownloadRetries, func() error {
		return c.downloadTo(ctx, repoID, revision, desc, filename, bar)
	})
	return desc, err
}

func (c *Client) downloadTo(ctx context.Context, repoID, revision string, desc types.Descriptor, filename string, bar *progress.Bar) error {
	body, contentlen, err := c.OpenFile(ctx, repoID, revision, desc.Name)
	if err != nil {
		return err
	}
	defer body.Close()
	if contentlen < 0 {
		contentlen = desc.Size
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	incomplete := filename + ".incomplete"
	f, err := os.OpenFile(incomplete, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	digester := digest.Canonical.Digester()
	src := bar.WrapReader(body, desc.Name, contentlen, "downloading", "done")
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(incomplete)
		return err
	}
	if desc.Size > 0 && n != desc.Size {
		_ = os.Remove(incomplete)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", desc.Size, n)
	}
	if desc.Digest != "" && digester.Digest() != desc.Digest {
		_ = os.Remove(incomplete)
		return smerrors.NewDigestInvalidError(desc.Name, desc.Digest.String(), digester.Digest().String())
	}
	return os.Rename(incomplete, filename)
}

// checkSiblingName rejects repository file names that would land outside the snapshot dir.
func checkSiblingName(name string) error {
	cleaned := path.Clean(filepath.ToSlash(name))
	if name == "" || path.IsAbs(cleaned) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" ||
		cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return smerrors.NewParameterInvalidError(fmt.Sprintf("illegal repository file name %q", name))
	}
	return nil
}

func checkLocalFile(filename string, desc types.Descriptor) (bool, error) {
	fi, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if fi.IsDir() || (desc.Size > 0 && fi.Size() != desc.Size) {
		return false, nil
	}
	if desc.Digest == "" {
		// small files without lfs metadata are compared by size only
		return desc.Size > 0, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return false, err
	}
	defer f.Close()
	local, err := digest.FromReader(f)
	if err != nil {
		return false, err
	}
	return local == desc.Digest, nil
}

// FilterSiblings keeps the files matching any allow pattern (all when empty) and no ignore pattern.
// Patterns without a slash also match the base name, so "*.json" selects nested json files.
func FilterSiblings(siblings []Sibling, allow, ignore []string) []Sibling {
	result := []Sibling{}
	for _, s := range siblings {
		if len(allow) > 0 && !matchAny(allow, s.RFilename) {
			continue
		}
		if matchAny(ignore, s.RFilename) {
			continue
		}
		result = append(result, s)
	}
	return result
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, path.Base(name)); ok {
				return true
			}
		}
	}
	return false
}
