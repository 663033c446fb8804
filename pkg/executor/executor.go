package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vulnforge/vulnforge/pkg/containerrt"
	"github.com/vulnforge/vulnforge/pkg/masking"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// BundleSpec is everything one Executor.RunBundle invocation needs: the
// built candidate's manifest plus the normalized executor policy carried on
// the requirement.
type BundleSpec struct {
	SID            string
	Bundle         requirement.VulnBundle
	WorkspaceDir   string
	DockerfilePath string
	ImageTag       string
	// BuildDir receives build.log, image_id.txt, and the SBOM; build
	// artifacts stay in the workspace when empty.
	BuildDir string
	Manifest requirement.Manifest
	Policy   requirement.ExecutorPolicy
}

// Summary is the per-bundle run/summary.json shape (monotonic merge:
// prior-attempt flags survive into subsequent partial invocations).
type Summary struct {
	BuildPassed bool     `json:"build_passed"`
	RunPassed   bool     `json:"run_passed"`
	ImageID     string   `json:"image_id,omitempty"`
	SBOMPath    string   `json:"sbom_path,omitempty"`
	Network     string   `json:"network,omitempty"`
	ExitCode    int      `json:"exit_code"`
	Errors      []string `json:"errors,omitempty"`
}

func (s Summary) merge(prior Summary) Summary {
	s.BuildPassed = s.BuildPassed || prior.BuildPassed
	s.RunPassed = s.RunPassed || prior.RunPassed
	if s.ImageID == "" {
		s.ImageID = prior.ImageID
	}
	if s.SBOMPath == "" {
		s.SBOMPath = prior.SBOMPath
	}
	return s
}

// Executor drives one bundle through build -> network -> sidecars -> app ->
// PoC injection -> exploit exec -> teardown. The NetworkPool is owned by
// the caller and shared across every bundle of one SID so that a Run
// Matrix of bundles reuses a single "<sid>-net" rather than each bundle
// tearing it down out from under its siblings.
type Executor struct {
	rt          containerrt.Runtime
	networkPool *NetworkPool
	masker      *masking.Service
}

// New returns an Executor backed by rt and pool.
func New(rt containerrt.Runtime, pool *NetworkPool) *Executor {
	return &Executor{rt: rt, networkPool: pool}
}

// writeBuildArtifacts persists the build log (masked) and image id under
// the bundle's build artefact directory; the SBOM was already written by
// the runtime. Best-effort on every path, including failed builds, so the
// build log survives for inspection.
func (e *Executor) writeBuildArtifacts(buildDir string, result containerrt.BuildResult) {
	if buildDir == "" {
		return
	}
	if _, err := store.EnsureDir(buildDir); err != nil {
		slog.Warn("executor: ensure build dir failed", "path", buildDir, "error", err)
		return
	}
	output := result.Output
	if e.masker != nil {
		output = e.masker.Mask(output)
	}
	if output != "" {
		if err := os.WriteFile(filepath.Join(buildDir, "build.log"), []byte(output), 0o644); err != nil {
			slog.Warn("executor: write build.log failed", "error", err)
		}
	}
	if result.ImageID != "" {
		if err := os.WriteFile(filepath.Join(buildDir, "image_id.txt"), []byte(result.ImageID+"\n"), 0o644); err != nil {
			slog.Warn("executor: write image_id.txt failed", "error", err)
		}
	}
}

// WithMasker attaches a masking.Service that scrubs known-sensitive
// container env values and injected flag tokens out of collected run logs
// before RunBundle persists them as run.log. A nil masker (the default)
// leaves logs untouched; returns e for chaining.
func (e *Executor) WithMasker(m *masking.Service) *Executor {
	e.masker = m
	return e
}

// RunBundle executes one bundle end-to-end, guaranteeing teardown of its
// own containers on every exit path (the shared network is released by the
// caller once the whole Run Matrix has finished, see Release). The written
// summary is monotonically merged against any prior attempt at summaryPath.
func (e *Executor) RunBundle(ctx context.Context, spec BundleSpec, summaryPath string) (summary Summary, runErr error) {
	var appContainer string
	sidecarContainers := make([]string, 0, len(spec.Policy.Sidecars))
	network := "none"

	defer func() {
		teardownCtx := context.Background()
		if appContainer != "" {
			if logs, err := e.rt.Logs(teardownCtx, appContainer); err == nil {
				if e.masker != nil {
					logs = e.masker.Mask(logs)
				}
				runLogPath := filepath.Join(filepath.Dir(summaryPath), "run.log")
				if err := os.WriteFile(runLogPath, []byte(logs), 0o644); err != nil {
					slog.Warn("executor: write run.log failed", "path", runLogPath, "error", err)
				}
			} else {
				slog.Warn("executor: collect app container logs failed", "container", appContainer, "error", err)
			}
			if err := e.rt.Stop(teardownCtx, appContainer, 5*time.Second); err != nil {
				slog.Warn("executor: stop app container failed", "container", appContainer, "error", err)
			}
		}
		for _, c := range sidecarContainers {
			if err := e.rt.Stop(teardownCtx, c, 5*time.Second); err != nil {
				slog.Warn("executor: stop sidecar failed", "container", c, "error", err)
			}
		}
		summary.Network = network
		summary = summary.merge(loadPriorSummary(summaryPath))
		if err := store.WriteJSON(summaryPath, summary); err != nil {
			slog.Warn("executor: write summary failed", "path", summaryPath, "error", err)
		}
	}()

	buildSpec := containerrt.BuildSpec{
		ContextDir: spec.WorkspaceDir, Dockerfile: spec.DockerfilePath, Tag: spec.ImageTag,
	}
	if spec.BuildDir != "" {
		if _, err := store.EnsureDir(spec.BuildDir); err != nil {
			slog.Warn("executor: ensure build dir failed", "path", spec.BuildDir, "error", err)
		} else {
			buildSpec.SBOMPath = filepath.Join(spec.BuildDir, "sbom.spdx.json")
		}
	}
	buildResult, err := e.rt.Build(ctx, buildSpec)
	e.writeBuildArtifacts(spec.BuildDir, buildResult)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("build: %v", err))
		return summary, fmt.Errorf("executor: build bundle %s/%s: %w", spec.SID, spec.Bundle.Slug, err)
	}
	summary.BuildPassed = true
	summary.ImageID = buildResult.ImageID
	summary.SBOMPath = buildResult.SBOMPath

	anyAliases := false
	for _, s := range spec.Policy.Sidecars {
		if len(s.Aliases) > 0 {
			anyAliases = true
		}
	}
	userNetwork := ""
	if spec.Policy.AllowNetwork {
		userNetwork = spec.Policy.NetworkName
	}
	network, err = e.networkPool.Resolve(ctx, spec.SID, userNetwork, anyAliases)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("network: %v", err))
		return summary, fmt.Errorf("executor: resolve network: %w", err)
	}

	for _, sc := range spec.Policy.Sidecars {
		id, err := e.rt.Run(ctx, containerrt.RunSpec{
			Image: sc.Image, Name: fmt.Sprintf("%s-%s-%s", spec.SID, spec.Bundle.Slug, sc.Name),
			Network: network, Env: sc.Env, Aliases: sc.Aliases,
		})
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("sidecar %s: %v", sc.Name, err))
			return summary, fmt.Errorf("executor: start sidecar %s: %w", sc.Name, err)
		}
		sidecarContainers = append(sidecarContainers, id)
		if err := waitReady(ctx, e.rt, id, sc.ReadyProbe); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("sidecar %s readiness: %v", sc.Name, err))
			return summary, fmt.Errorf("executor: sidecar %s not ready: %w", sc.Name, err)
		}
	}

	appContainer, err = e.rt.Run(ctx, containerrt.RunSpec{
		Image: spec.ImageTag, Name: fmt.Sprintf("%s-%s-app", spec.SID, spec.Bundle.Slug),
		Network: network, ReadOnly: true, Tmpfs: []string{"/tmp"}, NoNewPrivs: true, CapDropAll: true,
	})
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("app: %v", err))
		return summary, fmt.Errorf("executor: start app container: %w", err)
	}

	pocFile, ok := spec.Manifest.FindFile("poc.py")
	if !ok {
		pocFile = requirement.FileEntry{Path: "poc.py", Content: spec.Manifest.PoC.Cmd}
	}
	if err := e.rt.CopyIn(ctx, appContainer, "/tmp/poc.py", strings.NewReader(pocFile.Content)); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("poc injection: %v", err))
		return summary, fmt.Errorf("executor: copy poc into container: %w", err)
	}

	appProbe := requirement.ReadyProbe{Type: "tcp", Retries: 10, Interval: 1}
	if err := waitReady(ctx, e.rt, appContainer, appProbe); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("app readiness: %v", err))
		return summary, fmt.Errorf("executor: app not ready: %w", err)
	}

	payloads := spec.Policy.PoCPayloads
	if len(payloads) == 0 {
		payloads = []string{""}
	}
	var lastExit int
	for _, payload := range payloads {
		cmd := []string{"python3", "/tmp/poc.py"}
		if payload != "" {
			cmd = append(cmd, "--payload", payload)
		}
		result, err := e.rt.Exec(ctx, appContainer, cmd)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("exec: %v", err))
			return summary, fmt.Errorf("executor: exec poc: %w", err)
		}
		lastExit = result.ExitCode
	}
	summary.ExitCode = lastExit
	summary.RunPassed = lastExit == 0

	if lastExit != 0 {
		if logs, err := e.rt.Logs(ctx, appContainer); err == nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("poc exited non-zero; container logs collected (%d bytes)", len(logs)))
		}
	}

	return summary, nil
}

// ReleaseNetwork releases the shared network handle for sid once every
// bundle in its Run Matrix has finished: teardown is guaranteed but scoped
// to the whole SID, not one bundle, since sidecars of different bundles
// may share "<sid>-net".
func (e *Executor) ReleaseNetwork(ctx context.Context, name string) error {
	return e.networkPool.Release(ctx, name)
}

func waitReady(ctx context.Context, rt containerrt.Runtime, containerID string, probe requirement.ReadyProbe) error {
	switch probe.Type {
	case "wait_seconds":
		seconds := probe.Seconds
		if seconds <= 0 {
			seconds = 1
		}
		time.Sleep(time.Duration(seconds) * time.Second)
		return nil
	case "mysql":
		retries, interval := probeDefaults(probe)
		for i := 0; i < retries; i++ {
			result, err := rt.Exec(ctx, containerID, []string{"mysqladmin", "ping"})
			if err == nil && result.ExitCode == 0 {
				return nil
			}
			time.Sleep(interval)
		}
		return fmt.Errorf("mysql readiness probe exhausted after %d retries", retries)
	default: // connect-probe loop: poll until the container reports running
		retries, interval := probeDefaults(probe)
		for i := 0; i < retries; i++ {
			running, err := rt.Inspect(ctx, containerID)
			if err == nil && running {
				return nil
			}
			time.Sleep(interval)
		}
		return fmt.Errorf("readiness probe exhausted after %d retries", retries)
	}
}

func probeDefaults(p requirement.ReadyProbe) (int, time.Duration) {
	retries := p.Retries
	if retries <= 0 {
		retries = 5
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 1
	}
	return retries, time.Duration(interval) * time.Second
}

func loadPriorSummary(path string) Summary {
	var prior Summary
	if store.Exists(path) {
		_ = store.ReadJSON(path, &prior)
	}
	return prior
}
