package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

func TestBuildEnvOverrideReplacesValue(t *testing.T) {
	env := buildEnv([]jobtypes.EnvironmentSpec{
		{Name: "PATH", Value: "/usr/bin"},
		{Name: "PATH", Value: "/opt/bin", Extend: false},
	})
	assert.Equal(t, []string{"PATH=/opt/bin"}, env)
}

func TestBuildEnvExtendAppendsWithColon(t *testing.T) {
	env := buildEnv([]jobtypes.EnvironmentSpec{
		{Name: "PATH", Value: "/usr/bin"},
		{Name: "PATH", Value: "/opt/bin", Extend: true},
	})
	assert.Equal(t, []string{"PATH=/usr/bin:/opt/bin"}, env)
}

func TestBuildEnvExtendWithNoPriorValueUsesValueVerbatim(t *testing.T) {
	env := buildEnv([]jobtypes.EnvironmentSpec{
		{Name: "EXTRA", Value: "first", Extend: true},
	})
	assert.Equal(t, []string{"EXTRA=first"}, env)
}

func TestBuildEnvPreservesFirstSeenOrder(t *testing.T) {
	env := buildEnv([]jobtypes.EnvironmentSpec{
		{Name: "B", Value: "2"},
		{Name: "A", Value: "1"},
		{Name: "B", Value: "3", Extend: true},
	})
	assert.Equal(t, []string{"B=2:3", "A=1"}, env)
}

func TestBuildOCISpecAppliesDefaultsAndArgv(t *testing.T) {
	job := jobtypes.JobSpec{
		Program:   "/bin/echo",
		Arguments: []string{"hi"},
	}
	s := buildOCISpec("/sandbox/root", job)
	assert.Equal(t, []string{"/bin/echo", "hi"}, s.Process.Args)
	assert.Equal(t, uint32(0), s.Process.User.UID)
	assert.Equal(t, uint32(0), s.Process.User.GID)
	assert.Equal(t, "/", s.Process.Cwd)
	assert.Equal(t, "/sandbox/root", s.Root.Path)
}

func TestBuildOCISpecHonorsUIDGIDAndCwd(t *testing.T) {
	uid, gid := uint32(1000), uint32(1000)
	job := jobtypes.JobSpec{
		Program: "/bin/true",
		Container: jobtypes.ContainerSpec{
			UID:              &uid,
			GID:              &gid,
			WorkingDirectory: "/work",
		},
	}
	s := buildOCISpec("/sandbox/root", job)
	assert.Equal(t, uid, s.Process.User.UID)
	assert.Equal(t, gid, s.Process.User.GID)
	assert.Equal(t, "/work", s.Process.Cwd)
}

func TestBuildOCISpecOmitsNetworkNamespaceForLocalMode(t *testing.T) {
	job := jobtypes.JobSpec{
		Program:   "/bin/true",
		Container: jobtypes.ContainerSpec{Network: jobtypes.NetworkLocal},
	}
	s := buildOCISpec("/sandbox/root", job)
	for _, ns := range s.Linux.Namespaces {
		assert.NotEqual(t, "network", string(ns.Type))
	}
}

func TestBuildOCISpecAddsNetworkNamespaceByDefault(t *testing.T) {
	job := jobtypes.JobSpec{Program: "/bin/true"}
	s := buildOCISpec("/sandbox/root", job)
	found := false
	for _, ns := range s.Linux.Namespaces {
		if string(ns.Type) == "network" {
			found = true
		}
	}
	assert.True(t, found)
}
