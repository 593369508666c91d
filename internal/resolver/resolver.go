// Package resolver maps logical command names to absolute executables.
// Child servers and build tools are launched with an explicit path so the
// broker does not depend on the PATH of whatever process started it.
package resolver

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSearchDirs are probed in order when no override is configured.
var DefaultSearchDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/local/sbin",
	"/usr/sbin",
	"/sbin",
}

// python3Fallback is returned for python3 when no search directory holds it.
const python3Fallback = "/usr/bin/python3"

// Resolver resolves command names against an ordered list of directories.
// Found paths are cached; a Resolver is safe for concurrent use.
type Resolver struct {
	dirs []string

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Resolver. An empty dirs slice selects DefaultSearchDirs.
func New(dirs []string) *Resolver {
	if len(dirs) == 0 {
		dirs = DefaultSearchDirs
	}
	return &Resolver{
		dirs:  append([]string(nil), dirs...),
		cache: make(map[string]string),
	}
}

// Resolve returns the argv prefix to use for name. It never fails: when
// nothing is found the bare name is returned and the error surfaces at spawn.
//
// "pip" always resolves to the interpreter's module runner so the installer
// matches the interpreter that will run the server.
func (r *Resolver) Resolve(name string) []string {
	if name == "pip" || name == "pip3" {
		return []string{r.Path("python3"), "-m", "pip"}
	}
	return []string{r.Path(name)}
}

// Path returns the absolute path for name, or a fallback.
func (r *Resolver) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[name]; ok {
		return p
	}

	// Misses are retried so a tool installed later is still picked up.
	p := r.lookup(name)
	if filepath.IsAbs(p) {
		r.cache[name] = p
	}
	return p
}

func (r *Resolver) lookup(name string) string {
	for _, dir := range r.dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate
		}
	}
	if name == "python3" && isExecutable(python3Fallback) {
		return python3Fallback
	}
	return name
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
