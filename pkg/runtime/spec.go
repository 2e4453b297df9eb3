package runtime

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

// buildOCISpec renders an OCI runtime spec for a single execve inside an
// already-assembled sandbox root. There is no image config to import —
// everything the process sees comes from the sandbox and from spec
// itself.
func buildOCISpec(root string, job jobtypes.JobSpec) *specs.Spec {
	uid, gid := uint32(0), uint32(0)
	if job.Container.UID != nil {
		uid = *job.Container.UID
	}
	if job.Container.GID != nil {
		gid = *job.Container.GID
	}

	cwd := job.Container.WorkingDirectory
	if cwd == "" {
		cwd = "/"
	}

	args := append([]string{job.Program}, job.Arguments...)

	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
	}
	if job.Container.Network != jobtypes.NetworkLocal {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Terminal: job.AllocateTTY,
			User:     specs.User{UID: uid, GID: gid},
			Args:     args,
			Env:      buildEnv(job.Container.Environment),
			Cwd:      cwd,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  defaultCapabilities,
				Effective: defaultCapabilities,
				Permitted: defaultCapabilities,
			},
		},
		Root: &specs.Root{
			Path:     root,
			Readonly: false,
		},
		Hostname: "maelstrom",
		Linux: &specs.Linux{
			Namespaces: namespaces,
		},
	}
}

var defaultCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_KILL",
}

// buildEnv merges per-job EnvironmentSpec entries into a process
// environment list. Extend entries append onto any prior value for the
// same name using ":" as separator (PATH-like semantics); non-extend
// entries replace it outright. Entries are otherwise applied in order.
func buildEnv(entries []jobtypes.EnvironmentSpec) []string {
	order := make([]string, 0, len(entries))
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		if _, seen := values[e.Name]; !seen {
			order = append(order, e.Name)
		}
		if e.Extend {
			if prior, ok := values[e.Name]; ok && prior != "" {
				values[e.Name] = prior + ":" + e.Value
				continue
			}
		}
		values[e.Name] = e.Value
	}

	env := make([]string, 0, len(order))
	for _, name := range order {
		env = append(env, fmt.Sprintf("%s=%s", name, values[name]))
	}
	return env
}
