// Package jobtypes holds the data model shared by the broker, the worker,
// and the artifact cache: digests, artifacts, layers, container specs,
// job specs, and outcomes.
package jobtypes

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/digest"
)

// Digest re-exports the content-addressing primitive so callers only need
// to import jobtypes for the common case.
type Digest = digest.Digest

// ArtifactType distinguishes a raw archive from a structured manifest.
type ArtifactType string

const (
	ArtifactTar      ArtifactType = "tar"
	ArtifactManifest ArtifactType = "manifest"
)

// Artifact is a sealed byte sequence identified by its digest.
type Artifact struct {
	Digest Digest
	Type   ArtifactType
	Size   int64
}

// Layer references an artifact that will be stacked into a job's root
// filesystem. Order within a ContainerSpec.Layers slice is significant:
// later layers shadow earlier ones.
type Layer struct {
	Digest Digest
	Type   ArtifactType
}

// ManifestEntry describes one child digest referenced by a Manifest
// artifact, enabling deduplicated layer reuse.
type ManifestEntry struct {
	Path   string
	Digest Digest
	// IsDir marks a directory entry with no associated digest content.
	IsDir bool
	Mode  uint32
}

// Manifest is the structured form of an ArtifactManifest artifact.
type Manifest struct {
	Entries []ManifestEntry
}

// EnvironmentSpec describes one environment variable assignment, with
// extend/override semantics relative to earlier entries of the same name.
type EnvironmentSpec struct {
	Name string
	// Value is appended (Extend) or used verbatim (Override).
	Value string
	// Extend, when true, appends Value to the value set by an earlier
	// entry of the same name using ":" as separator (PATH-like semantics).
	// When false, Value replaces any earlier value outright. No image
	// environment is inherited.
	Extend bool
}

// MountType enumerates the kinds of mounts a ContainerSpec may request.
type MountType string

const (
	MountProc    MountType = "proc"
	MountSys     MountType = "sys"
	MountTmp     MountType = "tmp"
	MountDevpts  MountType = "devpts"
	MountMqueue  MountType = "mqueue"
	MountBind    MountType = "bind"
	MountDevices MountType = "devices"
)

// MountSpec describes one mount point to create inside the sandbox.
type MountSpec struct {
	Type MountType
	// Mountpoint is the path relative to the sandbox root.
	Mountpoint string
	// Source and ReadOnly only apply to MountBind.
	Source   string
	ReadOnly bool
}

// OverlayMode selects how the layer stack's writable area is backed.
type OverlayMode string

const (
	OverlayNone  OverlayMode = "none"
	OverlayTmp   OverlayMode = "tmp"
	OverlayLocal OverlayMode = "local"
)

// NetworkMode selects the sandbox's network namespace behavior.
type NetworkMode string

const (
	NetworkDisabled NetworkMode = "disabled"
	NetworkLoopback NetworkMode = "loopback"
	NetworkLocal    NetworkMode = "local"
)

// ContainerSpec describes the root filesystem and runtime environment a
// job executes in.
type ContainerSpec struct {
	Layers      []Layer
	Environment []EnvironmentSpec
	Mounts      []MountSpec
	Overlay     OverlayMode
	// OverlayPath backs the upper/work pair when Overlay == OverlayLocal;
	// unused otherwise.
	OverlayPath string
	Network     NetworkMode
	// UID/GID default to 0/0 when unset.
	UID *uint32
	GID *uint32
	// WorkingDirectory defaults to "/" when empty.
	WorkingDirectory string
	// Image names an image for the job. It is carried with the spec but
	// not read by the worker: no layers, environment or working directory
	// are imported from it.
	Image string
}

// JobSpec is a ContainerSpec plus what to execute.
type JobSpec struct {
	Container        ContainerSpec
	Program          string
	Arguments        []string
	Timeout          time.Duration // zero = no timeout
	AllocateTTY      bool
	Priority         int32 // signed, higher wins
	EstimatedRuntime time.Duration // informational only, never read by the scheduler
}

// ClientJobId is a client-local job identifier.
type ClientJobId string

// JobId is globally unique: the broker prefixes a ClientJobId with a
// client-scoped prefix.
type JobId string

// WorkerId is assigned by the broker when a worker connects; valid only
// for the lifetime of that connection.
type WorkerId string

// ClientId identifies a connected client.
type ClientId string

// Status is the job lifecycle state as observed by the broker.
type Status string

const (
	StatusSubmitted          Status = "submitted"
	StatusWaitingForArtifacts Status = "waiting_for_artifacts"
	StatusReady              Status = "ready"
	StatusAssigned           Status = "assigned"
	StatusExecuting          Status = "executing"
	StatusComplete           Status = "complete"
	StatusCancelled          Status = "cancelled"
)

// WorkerJobStatus is the more granular status a worker reports while a
// job is at-worker, per spec.md §4.5.
type WorkerJobStatus string

const (
	WorkerStatusWaitingForLayers  WorkerJobStatus = "waiting_for_layers"
	WorkerStatusWaitingToExecute  WorkerJobStatus = "waiting_to_execute"
	WorkerStatusExecuting         WorkerJobStatus = "executing"
)

// OutcomeKind discriminates the tagged union of terminal job results.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeError     OutcomeKind = "error"
)

// ErrorKind discriminates the two error sub-kinds from spec.md §7.
type ErrorKind string

const (
	ErrorExecution ErrorKind = "execution"
	ErrorSystem    ErrorKind = "system"
)

// OutputStream is the captured, possibly-truncated bytes of one output
// stream (stdout or stderr).
type OutputStream struct {
	First     []byte // first-N bytes, up to the configured inline limit
	Truncated int64  // count of bytes discarded beyond the inline limit
}

// Outcome is the terminal result of a job execution.
type Outcome struct {
	Kind OutcomeKind

	// Completed / TimedOut fields.
	ExitCode *int32 // nil if terminated by signal
	Signal   *int32 // nil if exited normally
	Stdout   OutputStream
	Stderr   OutputStream
	Duration time.Duration

	// Error fields.
	ErrorKind    ErrorKind
	ErrorMessage string
}
