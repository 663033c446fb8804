package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DockerRuntime shells out to the docker CLI via os/exec, with structured
// logging around every invocation.
type DockerRuntime struct {
	bin     string
	sbomBin string // "syft" path, empty if unavailable — SBOM generation is best-effort
}

// NewDockerRuntime returns a DockerRuntime resolving "docker" (and
// optionally "syft") on PATH.
func NewDockerRuntime() *DockerRuntime {
	bin, _ := exec.LookPath("docker")
	sbom, _ := exec.LookPath("syft")
	return &DockerRuntime{bin: bin, sbomBin: sbom}
}

func (r *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	if r.bin == "" {
		return "", fmt.Errorf("containerrt: docker binary not available")
	}
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	slog.Info("containerrt: running docker command", "args", args)
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("containerrt: docker %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// Build implements Runtime. SBOM generation falls back through three
// invocation styles of syft (CLI scan target, explicit "packages" verb,
// and "scan" verb) matching the original's best-effort attempts; failure
// to produce an SBOM never fails the build.
func (r *DockerRuntime) Build(ctx context.Context, spec BuildSpec) (BuildResult, error) {
	buildOut, err := r.run(ctx, "build", "-f", spec.Dockerfile, "-t", spec.Tag, spec.ContextDir)
	if err != nil {
		return BuildResult{Output: buildOut}, err
	}
	idOut, err := r.run(ctx, "image", "inspect", spec.Tag, "--format", "{{.Id}}")
	if err != nil {
		return BuildResult{Output: buildOut}, err
	}
	result := BuildResult{ImageID: strings.TrimSpace(idOut), Output: buildOut}

	if r.sbomBin != "" {
		sbomPath := spec.SBOMPath
		if sbomPath == "" {
			sbomPath = filepath.Join(spec.ContextDir, "sbom.spdx.json")
		}
		for _, args := range [][]string{
			{"packages", "docker:" + spec.Tag, "-o", "json"},
			{"scan", "docker:" + spec.Tag, "-o", "json"},
			{"docker:" + spec.Tag, "-o", "json"},
		} {
			cmd := exec.CommandContext(ctx, r.sbomBin, args...)
			var out bytes.Buffer
			cmd.Stdout = &out
			if err := cmd.Run(); err == nil {
				if writeErr := os.WriteFile(sbomPath, out.Bytes(), 0o644); writeErr != nil {
					slog.Warn("containerrt: write sbom failed", "path", sbomPath, "error", writeErr)
					break
				}
				result.SBOMPath = sbomPath
				break
			}
		}
		if result.SBOMPath == "" {
			slog.Warn("containerrt: syft sbom generation failed, skipping", "image", spec.Tag)
		}
	} else {
		slog.Warn("containerrt: syft not found, skipping sbom generation")
	}
	return result, nil
}

// Run implements Runtime.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, alias := range spec.Aliases {
		args = append(args, "--network-alias", alias)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}
	for _, t := range spec.Tmpfs {
		args = append(args, "--tmpfs", t)
	}
	if spec.NoNewPrivs {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	if spec.CapDropAll {
		args = append(args, "--cap-drop", "ALL")
	}
	if spec.PortBinding != "" {
		args = append(args, "-p", spec.PortBinding)
	}
	args = append(args, spec.Image)

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Exec implements Runtime.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	args := append([]string{"exec", containerID}, cmd...)
	out, err := r.run(ctx, args...)
	if err != nil {
		var exitErr *exec.ExitError
		code := 1
		if ok := errorsAsExitError(err, &exitErr); ok {
			code = exitErr.ExitCode()
		}
		return ExecResult{ExitCode: code, Stdout: out}, nil
	}
	return ExecResult{ExitCode: 0, Stdout: out}, nil
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if e, ok := err.(*exec.ExitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CopyIn implements Runtime by piping content to `docker exec -i <id> cp`
// via stdin, so the PoC is never baked into the image.
func (r *DockerRuntime) CopyIn(ctx context.Context, containerID, destPath string, content io.Reader) error {
	if r.bin == "" {
		return fmt.Errorf("containerrt: docker binary not available")
	}
	cmd := exec.CommandContext(ctx, r.bin, "exec", "-i", containerID, "sh", "-c", "cat > "+destPath)
	cmd.Stdin = content
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("containerrt: copy into %s: %w: %s", destPath, err, out.String())
	}
	return nil
}

// Logs implements Runtime.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string) (string, error) {
	return r.run(ctx, "logs", containerID)
}

// Stop implements Runtime.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	_, err := r.run(ctx, "stop", "-t", fmt.Sprintf("%d", int(timeout.Seconds())), containerID)
	return err
}

// Inspect implements Runtime.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (bool, error) {
	out, err := r.run(ctx, "inspect", "--format", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// NetworkCreate implements Runtime.
func (r *DockerRuntime) NetworkCreate(ctx context.Context, name string) error {
	_, err := r.run(ctx, "network", "create", name)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// NetworkInspect implements Runtime.
func (r *DockerRuntime) NetworkInspect(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "network", "inspect", name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// NetworkRemove implements Runtime.
func (r *DockerRuntime) NetworkRemove(ctx context.Context, name string) error {
	_, err := r.run(ctx, "network", "rm", name)
	return err
}
