package codex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tetherlab/tether/internal/log"
)

const (
	// probeTimeout bounds a single candidate probe.
	probeTimeout = 5 * time.Second

	// probeCacheTTL is how long a successful resolution stays valid.
	probeCacheTTL = 5 * time.Minute
)

// probeRunner executes a candidate with a version flag and returns an error
// when the candidate is missing or broken. Injected by tests.
type probeRunner func(ctx context.Context, path string, env []string) error

// Resolver locates a working agent executable. A bare command name expands
// to platform-specific variants (codex.cmd and codex.exe on Windows) which
// are probed in order; the first candidate that answers a version check
// wins. Successful resolutions are cached briefly so repeated spawns skip
// the probe.
type Resolver struct {
	command    string
	candidates []string
	probe      probeRunner
	cache      *gocache.Cache
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithProbeRunner replaces the probe used to test candidates.
func WithProbeRunner(p probeRunner) ResolverOption {
	return func(r *Resolver) { r.probe = p }
}

// WithCandidates replaces the derived candidate list.
func WithCandidates(candidates []string) ResolverOption {
	return func(r *Resolver) { r.candidates = candidates }
}

// NewResolver creates a resolver for the given command name or path.
func NewResolver(command string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		command:    command,
		candidates: candidatesFor(runtime.GOOS, command),
		probe:      runVersionProbe,
		cache:      gocache.New(probeCacheTTL, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidatesFor derives the ordered candidate list for a platform. An
// explicit path (containing a separator) is used as-is; on Windows the
// npm shim (.cmd) and native binary (.exe) are tried before the bare name.
func candidatesFor(goos, command string) []string {
	if strings.ContainsRune(command, os.PathSeparator) || strings.ContainsRune(command, '/') {
		return []string{command}
	}
	if goos == "windows" {
		return []string{command + ".cmd", command + ".exe", command}
	}
	return []string{command}
}

// Resolve returns a working executable path. The attempt counter rotates
// the candidate order so a candidate that spawned but then failed does not
// monopolize reconnects. When every candidate fails the error aggregates
// each per-candidate failure.
func (r *Resolver) Resolve(ctx context.Context, attempt int, env []string) (string, error) {
	if cached, ok := r.cache.Get(r.command); ok {
		if path, ok := cached.(string); ok {
			return path, nil
		}
	}

	candidates := rotated(r.candidates, attempt)

	var probeErrs []error
	for _, cand := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := r.probe(probeCtx, cand, env)
		cancel()
		if err == nil {
			log.Debug(log.CatProc, "resolved agent executable", "path", cand)
			r.cache.Set(r.command, cand, gocache.DefaultExpiration)
			return cand, nil
		}
		probeErrs = append(probeErrs, fmt.Errorf("%s: %w", cand, err))
	}

	return "", fmt.Errorf("no working executable for %q: %w", r.command, errors.Join(probeErrs...))
}

// Invalidate drops the cached resolution, forcing a fresh probe.
func (r *Resolver) Invalidate() {
	r.cache.Delete(r.command)
}

// rotated returns the list shifted left by n, preserving length.
func rotated(list []string, n int) []string {
	if len(list) <= 1 {
		return list
	}
	shift := n % len(list)
	if shift < 0 {
		shift += len(list)
	}
	out := make([]string, 0, len(list))
	out = append(out, list[shift:]...)
	out = append(out, list[:shift]...)
	return out
}

// runVersionProbe spawns `<candidate> --version` and reports whether it
// exits cleanly before the deadline.
func runVersionProbe(ctx context.Context, path string, env []string) error {
	cmd := exec.CommandContext(ctx, path, "--version") //nolint:gosec // G204: candidate comes from user config
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return fmt.Errorf("%w: %s", err, trimmed)
		}
		return err
	}
	return nil
}

// SpawnEnv builds the spawn environment: the parent environment with extra
// directories appended to PATH, covering installs the login shell never saw
// (nvm, Homebrew, ~/.local/bin).
func SpawnEnv(extraPaths []string) []string {
	env := os.Environ()
	extra := append(append([]string{}, extraPaths...), defaultExtraPaths()...)
	if len(extra) == 0 {
		return env
	}

	sep := string(os.PathListSeparator)
	for i, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			continue
		}
		path := strings.TrimPrefix(kv, "PATH=")
		for _, p := range extra {
			if p == "" || strings.Contains(path, p) {
				continue
			}
			path = path + sep + p
		}
		env[i] = "PATH=" + path
		return env
	}
	return append(env, "PATH="+strings.Join(extra, sep))
}

// defaultExtraPaths lists well-known install locations for CLI agents.
func defaultExtraPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
}
