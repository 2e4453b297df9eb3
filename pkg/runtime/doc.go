/*
Package runtime assembles and executes one-shot sandboxed jobs on top of
containerd. Unlike a long-running container platform, a Maelstrom job has
no image, no registry pull, and no lifecycle beyond a single execve: the
worker hands the runtime a resolved set of cache-resident layers and a
program to run, and gets back a captured outcome.

# Architecture

	┌────────────────── SANDBOX ASSEMBLY ───────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐         │
	│  │  1. scratch dir                            │         │
	│  │  2. materialize layers (tar / manifest)    │         │
	│  │  3. compose overlay (tmp / local / none)   │         │
	│  │  4. mount proc/sys/tmp/devpts/mqueue/bind  │         │
	│  │  5. mknod requested devices                │         │
	│  └──────────────────┬──────────────────────────┘       │
	│                     │                                   │
	│  ┌──────────────────▼──────────────────────────┐       │
	│  │  containerd task: new mount namespace,       │       │
	│  │  pivot_root, uid/gid, network mode, execve   │       │
	│  └──────────────────┬──────────────────────────┘       │
	│                     │                                   │
	│  ┌──────────────────▼──────────────────────────┐       │
	│  │  concurrent stdout/stderr capture (cio)      │       │
	│  │  with inline-size truncation; timeout →      │       │
	│  │  SIGKILL → drain → TimedOut outcome          │       │
	│  └───────────────────────────────────────────────┘      │
	└─────────────────────────────────────────────────────────┘

The assembled root is always discarded after the job completes; nothing
here persists across jobs except what the cache already holds.
*/
package runtime
