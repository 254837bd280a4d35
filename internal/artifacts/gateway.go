package artifacts

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrRejected means the requested name escapes the storage root.
	ErrRejected = errors.New("artifact name rejected")
	// ErrNotFound means the name is well formed but no file exists for it.
	ErrNotFound = errors.New("artifact not found")
)

// Gateway resolves and serves artifacts stored under a single root.
type Gateway struct {
	root string
}

// NewGateway canonicalizes root once so every resolution compares against the
// same absolute path.
func NewGateway(root string) (*Gateway, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Gateway{root: filepath.Clean(abs)}, nil
}

// Root returns the canonical storage root.
func (g *Gateway) Root() string {
	return g.root
}

// Resolve maps name to an absolute path inside the root. Containment is
// checked lexically before the filesystem is touched.
func (g *Gateway) Resolve(name string) (string, error) {
	path, err := g.canonical(name)
	if err != nil {
		return "", err
	}

	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", ErrNotFound
		}
		if !g.contains(target) {
			return "", ErrRejected
		}
		if info, err = os.Stat(target); err != nil {
			return "", ErrNotFound
		}
		path = target
	}
	if info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

func (g *Gateway) canonical(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsRune(name, 0) {
		return "", ErrRejected
	}
	// dot segments cover traversal as well as lock and journal files
	for _, seg := range strings.FieldsFunc(name, isSeparator) {
		if strings.HasPrefix(seg, ".") {
			return "", ErrRejected
		}
	}
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", ErrRejected
	}
	path, err := filepath.Abs(filepath.Join(g.root, name))
	if err != nil {
		return "", ErrRejected
	}
	if !g.contains(path) {
		return "", ErrRejected
	}
	return path, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// contains reports whether path is strictly below the root.
func (g *Gateway) contains(path string) bool {
	rel, err := filepath.Rel(g.root, filepath.Clean(path))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Serve streams the resolved artifact as an attachment.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
