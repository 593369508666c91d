// Package workspace manages the directory that holds per-server sandboxes.
// Every live server owns exactly one directory directly under the root,
// named after its server id.
//
// Default root: <tmp>/mcp-create-servers (configurable via config or MCPFORGE_WORKSPACE).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace directory name under the system temp dir.
const defaultDirName = "mcp-create-servers"

// sandboxPerm is applied with an explicit chmod so the umask cannot narrow
// it; children may run under a different uid in containerized deployments.
const sandboxPerm os.FileMode = 0777

// Workspace manages the sandbox root and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at <tmp>/mcp-create-servers.
func Default() (*Workspace, error) {
	return New(filepath.Join(os.TempDir(), defaultDirName))
}

// ServerDir returns <root>/<serverID> without creating it.
func (w *Workspace) ServerDir(serverID string) string {
	return filepath.Join(w.Root, sanitizeName(serverID))
}

// CreateServerDir creates <root>/<serverID> with world-writable permissions.
// The directory must not already exist.
func (w *Workspace) CreateServerDir(serverID string) (string, error) {
	dir := w.ServerDir(serverID)
	if err := os.Mkdir(dir, sandboxPerm); err != nil {
		return "", fmt.Errorf("creating sandbox %s: %w", dir, err)
	}
	if err := os.Chmod(dir, sandboxPerm); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("setting sandbox permissions %s: %w", dir, err)
	}
	return dir, nil
}

// RemoveServerDir recursively removes a server's sandbox. Removing a
// directory that does not exist is not an error.
func (w *Workspace) RemoveServerDir(serverID string) error {
	if err := os.RemoveAll(w.ServerDir(serverID)); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", serverID, err)
	}
	return nil
}

// ServerIDs lists the ids of all sandbox directories currently on disk.
func (w *Workspace) ServerIDs() ([]string, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workspace: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// --- Cleanup ---

// CleanSandbox removes all contents of the workspace root.
func (w *Workspace) CleanSandbox() error {
	if _, err := os.Stat(w.Root); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return fmt.Errorf("reading sandbox dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(w.Root, entry.Name())); err != nil {
			return fmt.Errorf("removing sandbox entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Internal helpers ---

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// EnsureDir creates an arbitrary directory (e.g. the data dir) once.
func (w *Workspace) EnsureDir(path string) error {
	return w.ensureDir(path, 0750)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
