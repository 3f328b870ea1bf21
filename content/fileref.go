package content

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// FileRef is a locally resolvable reference to a cached file. It has two
// encodings: a transient handle issued by a HandleProvider, which must be
// released, and an inline base64 data URL, for which Release is a no-op.
type FileRef struct {
	url     string
	inline  bool
	release func() error
}

// URL returns the locally resolvable URL.
func (r *FileRef) URL() string { return r.url }

// Inline reports whether the reference is an inline data URL.
func (r *FileRef) Inline() bool { return r.inline }

// Release frees the underlying handle. Safe to call more than once.
func (r *FileRef) Release() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	return release()
}

// InlineRef builds an inline data-URL reference. It needs no release.
func InlineRef(data []byte, mime string) *FileRef {
	return &FileRef{
		url:    fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
		inline: true,
	}
}

// HandleProvider issues transient, runtime-local references to in-memory
// binary resources. Implementations decide the URL scheme; callers must
// release every issued handle.
type HandleProvider interface {
	Handle(id string, data []byte, mime string) (url string, release func() error, err error)
}

// TempFileProvider issues file:// handles backed by files in a scratch
// directory. Release deletes the file.
type TempFileProvider struct {
	dir string
}

// NewTempFileProvider creates a provider writing handles under dir.
func NewTempFileProvider(dir string) *TempFileProvider {
	return &TempFileProvider{dir: dir}
}

// Handle implements HandleProvider.
func (p *TempFileProvider) Handle(id string, data []byte, mime string) (string, func() error, error) {
	f, err := os.CreateTemp(p.dir, "handle-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating handle file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("writing handle file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("closing handle file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("resolving handle path: %w", err)
	}

	release := func() error {
		err := os.Remove(abs)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return "file://" + abs, release, nil
}

// Compile-time interface check
var _ HandleProvider = (*TempFileProvider)(nil)
