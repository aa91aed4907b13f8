package repo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// LocalStore is a Store backed by a local (or mounted) filesystem rooted
// at Root. It supports all five features: compression is layered by the
// filter pipeline above this package, not by LocalStore itself, but the
// feature bit is advertised so the orchestrator knows it may ask workers
// to compress before writing.
type LocalStore struct {
	Root string
}

// NewLocalStore returns a Store rooted at root. root must already exist.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (l *LocalStore) abs(path string) string {
	return filepath.Join(l.Root, filepath.FromSlash(path))
}

func (l *LocalStore) Features() map[Feature]bool {
	return map[Feature]bool{
		FeatureCompress: true,
		FeatureHardLink: true,
		FeatureSymLink:  true,
		FeaturePathSync: true,
		FeaturePath:     true,
	}
}

func (l *LocalStore) NewRead(path string) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, fmt.Errorf("repo: open %s: %w", path, err)
	}
	return f, nil
}

func (l *LocalStore) NewWrite(path string, opts WriteOptions) (io.WriteCloser, error) {
	abs := l.abs(path)
	if opts.CreatePath {
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return nil, fmt.Errorf("repo: create parent for %s: %w", path, err)
		}
	}

	mode := os.FileMode(0o640)
	if opts.Mode != nil {
		mode = os.FileMode(*opts.Mode)
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("repo: create %s: %w", path, err)
	}
	return &localWriteCloser{File: f, modifyTime: opts.ModifyTime}, nil
}

// localWriteCloser applies the requested mtime on Close, after all bytes
// have been flushed to the underlying file.
type localWriteCloser struct {
	*os.File
	modifyTime *time.Time
}

func (w *localWriteCloser) Close() error {
	err := w.File.Close()
	if err == nil && w.modifyTime != nil {
		err = os.Chtimes(w.File.Name(), *w.modifyTime, *w.modifyTime)
	}
	return err
}

func (l *LocalStore) Exists(path string) (bool, error) {
	_, err := os.Lstat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("repo: stat %s: %w", path, err)
}

func (l *LocalStore) List(path string, opts ListOptions) ([]Info, error) {
	var out []Info
	root := l.abs(path)

	walk := func(dir string, recurse bool) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("repo: list %s: %w", path, err)
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			rel, _ := filepath.Rel(root, full)
			info, err := infoFromDirEntry(full, filepath.ToSlash(rel), e)
			if err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	}

	if !opts.Recurse {
		if err := walk(root, false); err != nil {
			return nil, err
		}
	} else {
		err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}
			rel, _ := filepath.Rel(root, p)
			info, ierr := infoFromDirEntry(p, filepath.ToSlash(rel), d)
			if ierr != nil {
				return ierr
			}
			out = append(out, info)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("repo: list %s: %w", path, err)
		}
	}

	if opts.Sort {
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out, nil
}

func infoFromDirEntry(full, rel string, d os.DirEntry) (Info, error) {
	fi, err := d.Info()
	if err != nil {
		return Info{}, fmt.Errorf("repo: stat %s: %w", full, err)
	}

	info := Info{
		Name:       rel,
		Size:       fi.Size(),
		Mode:       uint32(fi.Mode().Perm()),
		ModifyTime: fi.ModTime(),
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		info.Type = TypeLink
		if dest, err := os.Readlink(full); err == nil {
			info.LinkDestination = dest
		}
	case fi.IsDir():
		info.Type = TypePath
	case fi.Mode().IsRegular():
		info.Type = TypeFile
	default:
		info.Type = TypeSpecial
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		info.User = fmt.Sprintf("%d", st.Uid)
		info.Group = fmt.Sprintf("%d", st.Gid)
	}
	return info, nil
}

func (l *LocalStore) Remove(path string, opts RemoveOptions) error {
	abs := l.abs(path)
	_, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.ErrorIfMissing {
				return fmt.Errorf("repo: remove %s: %w", path, err)
			}
			return nil
		}
		return fmt.Errorf("repo: stat %s: %w", path, err)
	}

	if opts.Recurse {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

func (l *LocalStore) PathCreate(path string, mode *uint32) error {
	m := os.FileMode(0o750)
	if mode != nil {
		m = os.FileMode(*mode)
	}
	if err := os.MkdirAll(l.abs(path), m); err != nil {
		return fmt.Errorf("repo: create path %s: %w", path, err)
	}
	return nil
}

func (l *LocalStore) PathRemove(path string, opts RemoveOptions) error {
	return l.Remove(path, opts)
}

func (l *LocalStore) LinkCreate(target, source string) error {
	if err := os.Symlink(target, l.abs(source)); err != nil {
		return fmt.Errorf("repo: symlink %s -> %s: %w", source, target, err)
	}
	return nil
}

func (l *LocalStore) Move(src, dst string) error {
	if err := os.Rename(l.abs(src), l.abs(dst)); err != nil {
		return fmt.Errorf("repo: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (l *LocalStore) Copy(src, dst string) error {
	in, err := l.NewRead(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := l.NewWrite(dst, WriteOptions{CreatePath: true})
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("repo: copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}

// TryHardLink attempts an os.Link and reports whether it succeeded,
// without treating failure as fatal — when the store advertises
// FeatureHardLink but the underlying filesystem still refuses (e.g.
// cross-device), the caller keeps the file as a reference only.
func (l *LocalStore) TryHardLink(src, dst string) bool {
	if err := os.MkdirAll(filepath.Dir(l.abs(dst)), 0o750); err != nil {
		return false
	}
	return os.Link(l.abs(src), l.abs(dst)) == nil
}
