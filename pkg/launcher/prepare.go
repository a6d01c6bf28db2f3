package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

// PrepareDir creates dir and populates it from the manifest's source: a
// directory tree is copied, anything else is extracted as an archive. On
// failure dir is removed.
func PrepareDir(ctx context.Context, m *Manifest, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return ErrTemplatePrepare(m.Name, dir, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return ErrTemplatePrepare(m.Name, dir, err)
	}

	src := m.SourcePath()
	if src == "" {
		return nil
	}

	err := populate(ctx, src, dir)
	if err != nil {
		os.RemoveAll(dir)
		return ErrTemplatePrepare(m.Name, dir, err)
	}
	return nil
}

func populate(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(ctx, src, dst)
	}
	return extractArchive(ctx, src, dst)
}

// copyTree copies regular files, directories and symlinks below src
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
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
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeFile(target, in, info.Mode().Perm())

		default:
			// sockets, fifos and devices are not part of a template
			return nil
		}
	})
}

func extractArchive(ctx context.Context, src, dst string) error {
	dst = filepath.Clean(dst)
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filepath.Base(src), f)
	if err != nil {
		return fmt.Errorf("source %s is neither a directory nor a supported archive: %w", src, err)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("source %s is compressed but not an archive", src)
	}

	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return err
	}

	return extractor.Extract(ctx, input, func(ctx context.Context, fi archives.FileInfo) error {
		target, err := safeJoin(dst, fi.NameInArchive)
		if err != nil {
			return err
		}
		if target == dst {
			return nil
		}

		// earlier entries may have planted symlinks along the way
		if err := resolvesInside(root, filepath.Dir(target)); err != nil {
			return fmt.Errorf("archive entry %q: %w", fi.NameInArchive, err)
		}
		if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q would write through a symlink", fi.NameInArchive)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		switch {
		case fi.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)

		case fi.LinkTarget != "" && fi.Mode()&fs.ModeSymlink != 0:
			if err := checkLinkTarget(dst, target, fi.LinkTarget); err != nil {
				return fmt.Errorf("archive entry %q: %w", fi.NameInArchive, err)
			}
			return os.Symlink(fi.LinkTarget, target)

		case fi.Mode().IsRegular():
			rc, err := fi.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			return writeFile(target, rc, fi.Mode().Perm())

		default:
			return nil
		}
	})
}

// checkLinkTarget refuses absolute link targets and relative ones that
// point above dst.
func checkLinkTarget(dst, link, linkTarget string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink target %q", linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(link), filepath.FromSlash(linkTarget))
	if !within(filepath.Clean(dst), resolved) {
		return fmt.Errorf("symlink target %q escapes destination", linkTarget)
	}
	return nil
}

// resolvesInside follows symlinks in the deepest existing ancestor of path
// and checks that it stays inside root. root must already be resolved.
func resolvesInside(root, path string) error {
	for p := path; ; p = filepath.Dir(p) {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			if !within(root, resolved) {
				return fmt.Errorf("path resolves outside destination via symlink")
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if parent := filepath.Dir(p); parent == p {
			return err
		}
	}
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// safeJoin joins an archive entry name onto dst, refusing entries that
// would land outside it.
func safeJoin(dst, name string) (string, error) {
	dst = filepath.Clean(dst)
	target := filepath.Join(dst, filepath.FromSlash(name))
	if !within(dst, target) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
