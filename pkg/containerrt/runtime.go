// Package containerrt abstracts container lifecycle operations behind a
// capability interface, so the Executor is not baked against one container
// CLI. The default adapter shells out to the docker CLI.
package containerrt

import (
	"context"
	"io"
	"time"
)

// BuildSpec describes one image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Tag        string
	SBOMPath   string // destination for the generated SBOM; ContextDir/sbom.spdx.json if empty
}

// BuildResult is returned by a Build attempt; Output carries the build
// log even on failure.
type BuildResult struct {
	ImageID  string
	SBOMPath string // empty if SBOM generation was skipped or failed
	Output   string
}

// RunSpec describes one detached container start.
type RunSpec struct {
	Image       string
	Name        string
	Network     string
	Env         map[string]string
	Aliases     []string
	ReadOnly    bool
	Tmpfs       []string
	NoNewPrivs  bool
	CapDropAll  bool
	PortBinding string // "host:container", empty for none
}

// ExecResult is returned by Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the capability surface the Executor needs from a container
// engine: Build, Run, Exec, CopyIn, Logs, Inspect, and network management.
type Runtime interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
	Run(ctx context.Context, spec RunSpec) (containerID string, err error)
	Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error)
	CopyIn(ctx context.Context, containerID string, destPath string, content io.Reader) error
	Logs(ctx context.Context, containerID string) (string, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Inspect(ctx context.Context, containerID string) (running bool, err error)

	NetworkCreate(ctx context.Context, name string) error
	NetworkInspect(ctx context.Context, name string) (exists bool, err error)
	NetworkRemove(ctx context.Context, name string) error
}
