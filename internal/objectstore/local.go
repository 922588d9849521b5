package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalBackend stores objects as files under a base directory. It is the
// local-development fallback for STORE_BACKEND=local and is never selected
// implicitly in production.
type LocalBackend struct {
	baseDir   string
	publicURL string
}

func NewLocalBackend(baseDir, publicURL string) (*LocalBackend, error) {
	if baseDir == "" {
		return nil, &ConfigError{Setting: "LOCAL_STORE_DIR", Reason: "must not be empty"}
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &LocalBackend{baseDir: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (l *LocalBackend) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(SanitizeKey(key)))
}

func (l *LocalBackend) Put(_ context.Context, key string, body []byte, _ string, overwrite bool) (Object, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, fmt.Errorf("%w: create dirs: %v", ErrUnavailable, err)
	}
	if !overwrite {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return Object{}, ErrWriteCollision
		}
		if err != nil {
			return Object{}, fmt.Errorf("%w: create file: %v", ErrUnavailable, err)
		}
		_, werr := f.Write(body)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return Object{}, fmt.Errorf("%w: write file: %v", ErrUnavailable, errors.Join(werr, cerr))
		}
	} else {
		// temp file + rename so readers never observe a half-written manifest
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, body, 0o644); err != nil {
			return Object{}, fmt.Errorf("%w: write temp file: %v", ErrUnavailable, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return Object{}, fmt.Errorf("%w: rename temp file: %v", ErrUnavailable, err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Object{}, fmt.Errorf("%w: stat: %v", ErrUnavailable, err)
	}
	return Object{Key: SanitizeKey(key), URL: l.URLFor(key), Size: info.Size(), UploadedAt: info.ModTime().UTC()}, nil
}

func (l *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read file: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (l *LocalBackend) List(_ context.Context, prefix string) ([]Object, error) {
	out := make([]Object, 0)
	err := filepath.WalkDir(l.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, URL: l.URLFor(key), Size: info.Size(), UploadedAt: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk store dir: %v", ErrUnavailable, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *LocalBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove file: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LocalBackend) URLFor(key string) string {
	if l.publicURL != "" {
		return l.publicURL + "/" + SanitizeKey(key)
	}
	return "file://" + l.path(key)
}

// KeyFromURL maps file:// URLs under the base directory back to keys.
func (l *LocalBackend) KeyFromURL(ref string) (string, bool) {
	prefix := "file://" + l.baseDir + string(filepath.Separator)
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return SanitizeKey(filepath.ToSlash(strings.TrimPrefix(ref, prefix))), true
}

// SanitizeKey strips leading slashes and dot segments from a key.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
