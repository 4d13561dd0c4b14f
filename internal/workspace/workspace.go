// Package workspace materializes isolated, disposable build workspaces.
//
// A workspace is a directory tree containing the submitted source and all
// dependencies resolved to their pinned versions, and nothing else. The
// toolchain runs against it with no network and no host filesystem access
// beyond the mounts, so resolution happens here, up front, from a local
// pinned mirror. Workspaces are destroyed after the job concludes
// regardless of outcome.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// LockfileName is reserved; submitted bundles may not contain it.
const LockfileName = "veriforge-lock.yaml"

// Source filenames: plain names only, no separators, no traversal.
var sourceFileNameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const maxSourceFileName = 50

// SourceFile is one file of the submitted source bundle.
type SourceFile struct {
	Name    string
	Content []byte
}

// Resolver locates a pinned dependency and returns the directory holding
// its content. Implementations must not touch the network.
type Resolver interface {
	Resolve(ctx context.Context, name, version string) (string, error)
}

// Workspace is a materialized build tree. SrcDir holds the source bundle
// and lockfile, DepsDir the resolved dependencies, OutDir receives the
// toolchain artifact.
type Workspace struct {
	Dir     string
	SrcDir  string
	DepsDir string
	OutDir  string
}

// Destroy removes the whole workspace tree. Safe to call more than once.
func (w *Workspace) Destroy() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Builder creates workspaces under a fixed root directory.
type Builder struct {
	root     string
	resolver Resolver
	logger   *slog.Logger
}

// NewBuilder creates a workspace builder rooted at root.
func NewBuilder(root string, resolver Resolver, logger *slog.Logger) *Builder {
	return &Builder{root: root, resolver: resolver, logger: logger}
}

// Build materializes a workspace for one verification job: validates the
// manifest, writes the source bundle, resolves every pinned dependency and
// records the resolution in a deterministic lockfile. On any failure the
// partial tree is destroyed before returning.
func (b *Builder) Build(ctx context.Context, jobID string, bundle []SourceFile, manifest Manifest) (ws *Workspace, err error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if len(bundle) == 0 {
		return nil, fmt.Errorf("source bundle is empty")
	}

	dir := filepath.Join(b.root, jobID)
	ws = &Workspace{
		Dir:     dir,
		SrcDir:  filepath.Join(dir, "src"),
		DepsDir: filepath.Join(dir, "deps"),
		OutDir:  filepath.Join(dir, "out"),
	}
	defer func() {
		if err != nil {
			_ = ws.Destroy()
		}
	}()

	for _, sub := range []string{ws.SrcDir, ws.DepsDir, ws.OutDir} {
		if err = os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
	}

	if err = b.writeBundle(ws, bundle); err != nil {
		return nil, err
	}
	if err = b.resolveDeps(ctx, ws, manifest); err != nil {
		return nil, err
	}
	if err = writeLockfile(ws, manifest); err != nil {
		return nil, err
	}

	b.logger.Debug("workspace materialized", "job_id", jobID, "dir", dir, "deps", len(manifest))
	return ws, nil
}

func (b *Builder) writeBundle(ws *Workspace, bundle []SourceFile) error {
	seen := make(map[string]bool, len(bundle))
	for _, f := range bundle {
		if len(f.Name) > maxSourceFileName || !sourceFileNameRegex.MatchString(f.Name) {
			return fmt.Errorf("invalid source filename %q", f.Name)
		}
		if f.Name == LockfileName {
			return fmt.Errorf("%s is a reserved filename", LockfileName)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate source filename %q", f.Name)
		}
		seen[f.Name] = true
		if err := os.WriteFile(filepath.Join(ws.SrcDir, f.Name), f.Content, 0644); err != nil {
			return fmt.Errorf("writing source file %s: %w", f.Name, err)
		}
	}
	return nil
}

func (b *Builder) resolveDeps(ctx context.Context, ws *Workspace, manifest Manifest) error {
	for _, pin := range manifest {
		src, err := b.resolver.Resolve(ctx, pin.Name, pin.Version)
		if err != nil {
			return err
		}
		dst := filepath.Join(ws.DepsDir, filepath.FromSlash(pin.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("creating dependency directory: %w", err)
		}
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("copying dependency %s@%s: %w", pin.Name, pin.Version, err)
		}
	}
	return nil
}

// lockfile is the serialized resolution record, written in manifest order.
type lockfile struct {
	Dependencies []lockEntry `yaml:"dependencies"`
}

type lockEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

func writeLockfile(ws *Workspace, manifest Manifest) error {
	lf := lockfile{Dependencies: make([]lockEntry, len(manifest))}
	for i, pin := range manifest {
		lf.Dependencies[i] = lockEntry{Name: pin.Name, Version: pin.Version}
	}
	data, err := yaml.Marshal(&lf)
	if err != nil {
		return fmt.Errorf("encoding lockfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws.SrcDir, LockfileName), data, 0644); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}
	return nil
}

// DirResolver resolves pins against a local mirror laid out as
// <root>/<name>/<version>/. Anything absent from the mirror is
// unresolvable; there is no network fallback.
type DirResolver struct {
	Root string
}

// Resolve returns the mirror directory for name@version.
func (r *DirResolver) Resolve(ctx context.Context, name, version string) (string, error) {
	dir := filepath.Join(r.Root, filepath.FromSlash(name), version)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return "", &DependencyResolutionError{Name: name, Version: version, Reason: "not present in mirror"}
	}
	if err != nil {
		return "", &DependencyResolutionError{Name: name, Version: version, Reason: err.Error()}
	}
	if !info.IsDir() {
		return "", &DependencyResolutionError{Name: name, Version: version, Reason: "mirror entry is not a directory"}
	}
	return dir, nil
}
