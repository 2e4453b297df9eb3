package runtime

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
)

// Resolver produces a byte stream source for a digest: a local cache hit,
// a broker-cache hit relayed over the wire, or whatever else the worker
// wires in. release must be called once the caller is done reading path.
type Resolver interface {
	Resolve(ctx context.Context, d jobtypes.Digest) (path string, release func(), err error)
}

// Sandbox is an assembled, ready-to-execute root filesystem. Destroy
// removes every byte of it from disk; nothing here survives a job.
type Sandbox struct {
	Root    string
	scratch string
}

// Destroy removes the sandbox's scratch directory, unmounting the overlay
// first if one was mounted.
func (s *Sandbox) Destroy() error {
	if s.Root != s.scratch {
		_ = syscall.Unmount(s.Root, syscall.MNT_DETACH)
	}
	return os.RemoveAll(s.scratch)
}

// Assemble builds a sandbox root filesystem under scratchParent per
// spec.md §4.3: materialize each layer in order, compose the overlay,
// create requested mount points and device nodes.
func Assemble(ctx context.Context, scratchParent string, spec jobtypes.ContainerSpec, resolver Resolver) (*Sandbox, error) {
	scratch, err := os.MkdirTemp(scratchParent, "maelstrom-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("runtime: scratch dir: %w", err)
	}
	sb := &Sandbox{scratch: scratch}

	lowerDirs, err := materializeLayers(ctx, scratch, spec.Layers, resolver)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, err
	}

	root, err := composeOverlay(scratch, lowerDirs, spec.Overlay, spec.OverlayPath)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, err
	}
	sb.Root = root

	if err := setupMounts(root, spec.Mounts); err != nil {
		_ = sb.Destroy()
		return nil, err
	}

	return sb, nil
}

// materializeLayers extracts each layer into its own numbered directory,
// preserving Layers order (later layers shadow earlier ones in the
// overlay). Tar and Manifest layers are materialized concurrently; within
// a Manifest, entries are also fetched concurrently.
func materializeLayers(ctx context.Context, scratch string, layers []jobtypes.Layer, resolver Resolver) ([]string, error) {
	dirs := make([]string, len(layers))
	g, ctx := errgroup.WithContext(ctx)
	for i, layer := range layers {
		i, layer := i, layer
		dir := filepath.Join(scratch, "layers", fmt.Sprintf("%03d", i))
		dirs[i] = dir
		g.Go(func() error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("runtime: layer dir: %w", err)
			}
			switch layer.Type {
			case jobtypes.ArtifactTar:
				return materializeTar(ctx, dir, layer.Digest, resolver)
			case jobtypes.ArtifactManifest:
				return materializeManifest(ctx, dir, layer.Digest, resolver)
			default:
				return fmt.Errorf("runtime: unknown layer artifact type %q", layer.Type)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dirs, nil
}

func materializeTar(ctx context.Context, dir string, d jobtypes.Digest, resolver Resolver) error {
	path, release, err := resolver.Resolve(ctx, d)
	if err != nil {
		return fmt.Errorf("runtime: resolve layer %s: %w", d, err)
	}
	defer release()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("runtime: open layer %s: %w", d, err)
	}
	defer f.Close()

	return extractTar(dir, f)
}

func extractTar(dir string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("runtime: tar: %w", err)
		}
		target := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			log.WithComponent("runtime").Debug().Str("name", hdr.Name).Int("typeflag", int(hdr.Typeflag)).Msg("runtime: skipping unsupported tar entry")
		}
	}
}

func materializeManifest(ctx context.Context, dir string, d jobtypes.Digest, resolver Resolver) error {
	path, release, err := resolver.Resolve(ctx, d)
	if err != nil {
		return fmt.Errorf("runtime: resolve manifest %s: %w", d, err)
	}
	data, readErr := os.ReadFile(path)
	release()
	if readErr != nil {
		return fmt.Errorf("runtime: read manifest %s: %w", d, readErr)
	}

	var manifest jobtypes.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("runtime: parse manifest %s: %w", d, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range manifest.Entries {
		entry := entry
		target := filepath.Join(dir, entry.Path)
		if entry.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("runtime: manifest mkdir %s: %w", entry.Path, err)
			}
			continue
		}
		g.Go(func() error {
			return materializeManifestFile(ctx, target, entry, resolver)
		})
	}
	return g.Wait()
}

func materializeManifestFile(ctx context.Context, target string, entry jobtypes.ManifestEntry, resolver Resolver) error {
	src, release, err := resolver.Resolve(ctx, entry.Digest)
	if err != nil {
		return fmt.Errorf("runtime: resolve manifest entry %s: %w", entry.Path, err)
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(entry.Mode)
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// composeOverlay merges lowerDirs (in order, last wins) per the requested
// overlay mode and returns the directory execution should chroot into.
func composeOverlay(scratch string, lowerDirs []string, mode jobtypes.OverlayMode, overlayPath string) (string, error) {
	switch mode {
	case jobtypes.OverlayNone:
		if len(lowerDirs) != 1 {
			return "", fmt.Errorf("runtime: overlay=none requires exactly one layer, got %d", len(lowerDirs))
		}
		return lowerDirs[0], nil

	case jobtypes.OverlayTmp, jobtypes.OverlayLocal:
		merged := filepath.Join(scratch, "merged")
		upper := filepath.Join(scratch, "upper")
		work := filepath.Join(scratch, "work")
		if mode == jobtypes.OverlayLocal {
			if overlayPath == "" {
				return "", fmt.Errorf("runtime: overlay=local requires OverlayPath")
			}
			upper = filepath.Join(overlayPath, "upper")
			work = filepath.Join(overlayPath, "work")
		}
		for _, d := range []string{merged, upper, work} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return "", fmt.Errorf("runtime: overlay dir %s: %w", d, err)
			}
		}
		if mode == jobtypes.OverlayTmp {
			if err := syscall.Mount("tmpfs", upper, "tmpfs", 0, ""); err != nil {
				return "", fmt.Errorf("runtime: mount tmpfs upper: %w", err)
			}
			// work must live on the same filesystem as upper.
			work = filepath.Join(upper, ".work")
			if err := os.MkdirAll(work, 0o755); err != nil {
				return "", fmt.Errorf("runtime: tmpfs work dir: %w", err)
			}
		}

		lowerOpt := ""
		for i := len(lowerDirs) - 1; i >= 0; i-- {
			if lowerOpt != "" {
				lowerOpt += ":"
			}
			lowerOpt += lowerDirs[i]
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerOpt, upper, work)
		if err := syscall.Mount("overlay", merged, "overlay", 0, opts); err != nil {
			return "", fmt.Errorf("runtime: mount overlay: %w", err)
		}
		return merged, nil

	default:
		return "", fmt.Errorf("runtime: unknown overlay mode %q", mode)
	}
}

// setupMounts creates mount points inside root for each requested
// MountSpec and mounts the corresponding pseudo-filesystem or bind.
func setupMounts(root string, mounts []jobtypes.MountSpec) error {
	for _, m := range mounts {
		target := filepath.Join(root, m.Mountpoint)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("runtime: mountpoint %s: %w", m.Mountpoint, err)
		}
		switch m.Type {
		case jobtypes.MountProc:
			if err := syscall.Mount("proc", target, "proc", 0, ""); err != nil {
				return fmt.Errorf("runtime: mount proc: %w", err)
			}
		case jobtypes.MountSys:
			if err := syscall.Mount("sysfs", target, "sysfs", 0, ""); err != nil {
				return fmt.Errorf("runtime: mount sysfs: %w", err)
			}
		case jobtypes.MountTmp:
			if err := syscall.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
				return fmt.Errorf("runtime: mount tmpfs: %w", err)
			}
		case jobtypes.MountDevpts:
			if err := syscall.Mount("devpts", target, "devpts", 0, "newinstance,ptmxmode=0666"); err != nil {
				return fmt.Errorf("runtime: mount devpts: %w", err)
			}
		case jobtypes.MountMqueue:
			if err := syscall.Mount("mqueue", target, "mqueue", 0, ""); err != nil {
				return fmt.Errorf("runtime: mount mqueue: %w", err)
			}
		case jobtypes.MountBind:
			flags := uintptr(syscall.MS_BIND)
			if err := syscall.Mount(m.Source, target, "", flags, ""); err != nil {
				return fmt.Errorf("runtime: bind mount %s: %w", m.Source, err)
			}
			if m.ReadOnly {
				flags |= syscall.MS_REMOUNT | syscall.MS_RDONLY
				if err := syscall.Mount(m.Source, target, "", flags, ""); err != nil {
					return fmt.Errorf("runtime: remount ro %s: %w", m.Source, err)
				}
			}
		case jobtypes.MountDevices:
			if err := populateDevNodes(target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("runtime: unknown mount type %q", m.Type)
		}
	}
	return nil
}

// devNode is a minimal /dev character device to mknod into a sandbox's
// device mount point.
type devNode struct {
	name     string
	major    uint32
	minor    uint32
	mode     uint32
	isSymlnk bool
	target   string
}

var standardDevNodes = []devNode{
	{name: "null", major: 1, minor: 3, mode: 0o666},
	{name: "zero", major: 1, minor: 5, mode: 0o666},
	{name: "full", major: 1, minor: 7, mode: 0o666},
	{name: "random", major: 1, minor: 8, mode: 0o666},
	{name: "urandom", major: 1, minor: 9, mode: 0o666},
	{name: "tty", major: 5, minor: 0, mode: 0o666},
	{name: "stdin", isSymlnk: true, target: "/proc/self/fd/0"},
	{name: "stdout", isSymlnk: true, target: "/proc/self/fd/1"},
	{name: "stderr", isSymlnk: true, target: "/proc/self/fd/2"},
}

func populateDevNodes(target string) error {
	for _, n := range standardDevNodes {
		path := filepath.Join(target, n.name)
		if n.isSymlnk {
			if err := os.Symlink(n.target, path); err != nil && !os.IsExist(err) {
				return fmt.Errorf("runtime: symlink /dev/%s: %w", n.name, err)
			}
			continue
		}
		dev := int(n.major)<<8 | int(n.minor)
		if err := syscall.Mknod(path, syscall.S_IFCHR|n.mode, dev); err != nil && err != syscall.EEXIST {
			return fmt.Errorf("runtime: mknod /dev/%s: %w", n.name, err)
		}
	}
	return nil
}
