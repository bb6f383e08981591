package python

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIndexURL is where the interpreter runtime asset (a WASI build of the
// Python interpreter) is fetched from when the request carries no override.
const DefaultIndexURL = "https://github.com/RustPython/RustPython/releases/download/v0.4.0/rustpython.wasm"

// fetchInterpreter resolves indexURL to a local wasm file, downloading it at
// most once: subsequent workers reuse the cached copy. A plain filesystem path
// (or file:// URL) is used as-is, which also keeps tests hermetic.
func fetchInterpreter(indexURL, cacheDir string) (string, error) {
	if indexURL == "" {
		indexURL = DefaultIndexURL
	}
	if local, ok := strings.CutPrefix(indexURL, "file://"); ok {
		return local, nil
	}
	if !strings.HasPrefix(indexURL, "http://") && !strings.HasPrefix(indexURL, "https://") {
		return indexURL, nil
	}

	if cacheDir == "" {
		cacheDir = defaultCacheDir()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("python: creating cache dir: %w", err)
	}

	sum := sha256.Sum256([]byte(indexURL))
	path := filepath.Join(cacheDir, fmt.Sprintf("interpreter-%x.wasm", sum[:8]))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	resp, err := http.Get(indexURL)
	if err != nil {
		return "", fmt.Errorf("python: downloading interpreter: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("python: downloading interpreter: status %d from %s", resp.StatusCode, indexURL)
	}

	// Write to a temp file and rename so a crashed download never leaves a
	// half-written asset that later workers would try to compile.
	tmp, err := os.CreateTemp(cacheDir, "interpreter-*.tmp")
	if err != nil {
		return "", fmt.Errorf("python: staging interpreter: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("python: writing interpreter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("python: writing interpreter: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("python: caching interpreter: %w", err)
	}
	return path, nil
}

// defaultCacheDir follows XDG conventions, falling back to the user cache
// directory and finally the system temp dir.
func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "compiler-lab")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "compiler-lab")
	}
	return filepath.Join(os.TempDir(), "compiler-lab-cache")
}
