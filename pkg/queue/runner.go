package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/vulnforge/vulnforge/pkg/agent"
	"github.com/vulnforge/vulnforge/pkg/containerrt"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/evals"
	"github.com/vulnforge/vulnforge/pkg/executor"
	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/masking"
	"github.com/vulnforge/vulnforge/pkg/pack"
	"github.com/vulnforge/vulnforge/pkg/reflexion"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/runbook"
	"github.com/vulnforge/vulnforge/pkg/statemachine"
	"github.com/vulnforge/vulnforge/pkg/store"
	"github.com/vulnforge/vulnforge/pkg/verifier"
)

// PipelineRunner implements RunExecutor by driving one SID through
// PLAN→DRAFT→BUILD→RUN→VERIFY→REVIEW→PACK, composing the already-built
// agent/synthesis/executor/verifier/pack/loop/reflexion/rules packages
// into a per-SID drive loop over this domain's bundle/stage pipeline.
type PipelineRunner struct {
	layout               store.Layout
	llmClient            llm.Client
	containerRT          containerrt.Runtime
	networkPool          *executor.NetworkPool
	repo                 *database.RunRepository
	runbookSvc           *runbook.Service
	maskingSvc           *masking.Service
	allowIntentionalVuln bool
}

// NewPipelineRunner returns a PipelineRunner backed by layout for all
// on-disk paths, llmClient for every agent façade's completions, rt/pool
// for the Executor's container lifecycle, repo for Postgres state
// transitions, runbookSvc for resolving each bundle's CWE pattern-corpus
// rag_context ahead of the Researcher stage, and maskingSvc for scrubbing
// collected run logs before they're persisted. allowIntentionalVuln mirrors
// the --allow-intentional-vuln flag consulted by the PACK stage's review
// gate.
func NewPipelineRunner(layout store.Layout, llmClient llm.Client, rt containerrt.Runtime, pool *executor.NetworkPool, repo *database.RunRepository, runbookSvc *runbook.Service, maskingSvc *masking.Service, allowIntentionalVuln bool) *PipelineRunner {
	return &PipelineRunner{
		layout:               layout,
		llmClient:            llmClient,
		containerRT:          rt,
		networkPool:          pool,
		repo:                 repo,
		runbookSvc:           runbookSvc,
		maskingSvc:           maskingSvc,
		allowIntentionalVuln: allowIntentionalVuln,
	}
}

// Execute normalizes run's requirement into a Plan, drives every vuln
// bundle in its Run Matrix through DRAFT/BUILD/RUN/VERIFY/REVIEW, and
// finally packs the SID. A non-nil return means the SID failed terminally
// (loop budget exhausted or an unretryable error); the caller (Worker) is
// responsible for the terminal status write.
func (p *PipelineRunner) Execute(ctx context.Context, run *database.Run) error {
	log := slog.With("sid", run.SID)

	norm, err := requirement.Normalize(run.Requirement, false)
	if err != nil {
		return fmt.Errorf("queue: normalize requirement for %s: %w", run.SID, err)
	}
	variation := requirement.NormalizeVariationKey(run.Requirement.VariationKeyRaw, 0)
	plan := requirement.NewPlan(run.SID, norm, variation, time.Now().UTC())
	if err := store.WriteJSON(p.layout.PlanPath(run.SID), plan); err != nil {
		return fmt.Errorf("queue: persist plan for %s: %w", run.SID, err)
	}
	if err := p.repo.UpdateState(ctx, run.SID, statemachine.Draft, run.CurrentLoop, "plan-written"); err != nil {
		log.Warn("failed to record PLAN state", "error", err)
	}

	refl := reflexion.New(p.layout.ReflexionStorePath())
	ruleDirs := append([]string{p.layout.RuntimeRuleDirsPath(run.SID)}, rules.RuntimeDirsFromEnv()...)
	rulesReg := rules.NewRegistry(ruleDirs...)
	loopCtl, err := loop.NewController(run.SID, p.layout.LoopStatePath(run.SID), run.MaxLoops, refl)
	if err != nil {
		return fmt.Errorf("queue: init loop controller for %s: %w", run.SID, err)
	}

	exec := executor.New(p.containerRT, p.networkPool).WithMasker(p.maskingSvc)
	chain := verifier.NewChain(rulesReg, nil, p.llmClient)

	var networkName string
	defer func() {
		if networkName == "" {
			return
		}
		if err := exec.ReleaseNetwork(context.Background(), networkName); err != nil {
			log.Warn("failed to release shared network", "network", networkName, "error", err)
		}
	}()

	runRecords := make([]map[string]any, 0, len(plan.RunMatrix.VulnBundles))
	var bundleErrs []error
	for _, bundle := range plan.RunMatrix.VulnBundles {
		usedNetwork, summary, err := p.runBundle(ctx, plan, bundle, loopCtl, refl, rulesReg, chain, exec)
		if usedNetwork != "" {
			networkName = usedNetwork
		}
		runRecords = append(runRecords, runRecord(bundle, summary))
		if err != nil {
			bundleErrs = append(bundleErrs, err)
			if plan.Policy.Executor.StopOnFirstFailure {
				log.Warn("bundle failed with stop_on_first_failure set, skipping remaining bundles", "bundle", bundle.Slug, "error", err)
				break
			}
			log.Warn("bundle failed, continuing with remaining bundles", "bundle", bundle.Slug, "error", err)
		}
	}
	p.writeRunIndex(run.SID, runRecords)
	if len(bundleErrs) > 0 {
		_ = p.repo.UpdateState(ctx, run.SID, statemachine.Review, loopCtl.CurrentLoop(), errors.Join(bundleErrs...).Error())
		// evals.json must reflect the most recent attempt even on a
		// terminal failure, so the verdict is still persisted before
		// surfacing the error.
		p.evaluate(ctx, run.SID, plan, chain, loopCtl.CurrentLoop())
		return errors.Join(bundleErrs...)
	}

	if err := p.repo.UpdateState(ctx, run.SID, statemachine.Verify, loopCtl.CurrentLoop(), "run-index-written"); err != nil {
		log.Warn("failed to record VERIFY state", "error", err)
	}
	if _, err := p.evaluate(ctx, run.SID, plan, chain, loopCtl.CurrentLoop()); err != nil {
		_ = p.repo.UpdateState(ctx, run.SID, statemachine.Review, loopCtl.CurrentLoop(), err.Error())
		return fmt.Errorf("queue: evaluate %s: %w", run.SID, err)
	}
	if _, err := evals.NewDiversityEvaluator(p.layout).Run(plan); err != nil {
		log.Warn("failed to write diversity metrics", "error", err)
	}

	packer := pack.New(p.layout)
	if _, err := packer.Run(plan, p.allowIntentionalVuln); err != nil {
		_ = p.repo.UpdateState(ctx, run.SID, statemachine.Review, loopCtl.CurrentLoop(), err.Error())
		return fmt.Errorf("queue: pack %s: %w", run.SID, err)
	}
	return p.repo.UpdateState(ctx, run.SID, statemachine.Pack, loopCtl.CurrentLoop(), "packed")
}

// runBundle drives one vuln bundle through DRAFT (Researcher+Generator),
// BUILD+RUN (Executor), and REVIEW (Reviewer), retrying from DRAFT while
// the shared Loop Controller's budget allows, per the statemachine's
// Draft:{Build,Review} / Review:{Draft,Pack} edges. Returns the network
// name the Executor resolved, if any, so the caller can release it once
// every bundle has finished.
func (p *PipelineRunner) runBundle(
	ctx context.Context,
	plan requirement.Plan,
	bundle requirement.VulnBundle,
	loopCtl *loop.Controller,
	refl *reflexion.Store,
	rulesReg *rules.Registry,
	chain *verifier.Chain,
	exec *executor.Executor,
) (string, executor.Summary, error) {
	log := slog.With("sid", plan.SID, "bundle", bundle.Slug)
	req := plan.BundleRequirement(bundle)

	workspaceDir := filepath.Join(p.layout.WorkspacesDir(plan.SID), bundle.WorkspaceSubdir)
	metadataDir := p.layout.MetadataDirForBundle(plan.SID, plan.IsMultiVuln(), bundle)
	runDir := p.layout.ArtifactsDirForBundle(plan.SID, plan.IsMultiVuln(), bundle, "run")

	var networkName string
	var lastSummary executor.Summary

	for {
		if !loopCtl.ShouldContinue() {
			return networkName, lastSummary, fmt.Errorf("queue: loop budget exhausted for bundle %s before completion", bundle.Slug)
		}

		failureCtx, err := refl.LatestFailureContext(plan.SID, 5)
		if err != nil {
			log.Warn("failed to load reflexion context", "error", err)
		}

		ragContext, err := p.runbookSvc.ResolveCWEContext(ctx, bundle.VulnID)
		if err != nil {
			log.Warn("failed to resolve CWE pattern-corpus context, continuing without it", "error", err)
		}

		candidateK := plan.VariationKey.SelfConsistencyKFor("generator")
		execCtx := agent.ExecutionContext{
			SID:            plan.SID,
			Bundle:         bundle,
			MultiVuln:      plan.IsMultiVuln(),
			Requirement:    req,
			WorkspaceDir:   workspaceDir,
			MetadataDir:    metadataDir,
			ArtifactsDir:   runDir,
			FailureContext: failureCtx,
			RAGContext:     ragContext,
			CandidateK:     candidateK,
			PatternSeed:    plan.VariationKey.PatternPoolSeed,
		}

		researcher := agent.NewResearcher(p.llmClient, rulesReg)
		if _, err := researcher.Execute(ctx, execCtx); err != nil {
			log.Warn("researcher stage failed, continuing without its report", "error", err)
		}

		generator := agent.NewGenerator(p.llmClient, rulesReg, loopCtl)
		genResult, err := generator.Execute(ctx, execCtx)
		if err != nil || genResult.Status == agent.StatusFailed {
			if loopCtl.Exhausted() {
				return networkName, lastSummary, fmt.Errorf("queue: generator exhausted loop budget for bundle %s: %w", bundle.Slug, err)
			}
			log.Warn("generator stage failed, retrying from DRAFT", "error", err)
			continue
		}

		manifest, err := loadGeneratedManifest(metadataDir)
		if err != nil {
			return networkName, lastSummary, fmt.Errorf("queue: load generated manifest for bundle %s: %w", bundle.Slug, err)
		}

		spec := executor.BundleSpec{
			SID:            plan.SID,
			Bundle:         bundle,
			WorkspaceDir:   workspaceDir,
			DockerfilePath: "Dockerfile",
			ImageTag:       imageTagFor(plan.SID, bundle),
			BuildDir:       p.layout.ArtifactsDirForBundle(plan.SID, plan.IsMultiVuln(), bundle, "build"),
			Manifest:       manifest,
			Policy:         plan.Policy.Executor,
		}
		// summaryPath and run.log are written by RunBundle's own teardown,
		// as siblings in runDir, per pack.go's existing convention.
		summaryPath := filepath.Join(runDir, "summary.json")
		summary, runErr := exec.RunBundle(ctx, spec, summaryPath)
		lastSummary = summary
		if summary.Network != "" && summary.Network != "none" {
			networkName = summary.Network
		}

		if runErr != nil {
			reason := fmt.Sprintf("executor run failed for bundle %s: %v", bundle.Slug, runErr)
			if !loopCtl.Active() {
				if err := loopCtl.StartLoop(); err != nil {
					return networkName, lastSummary, err
				}
			}
			if err := loopCtl.RecordFailure("RUN", true, reason, "Inspect build/run artifacts and adjust the candidate manifest.", nil); err != nil {
				return networkName, lastSummary, err
			}
			if loopCtl.Exhausted() {
				return networkName, lastSummary, fmt.Errorf("queue: %s", reason)
			}
			continue
		}

		reviewer := agent.NewReviewer(chain, loopCtl)
		reviewResult, err := reviewer.Execute(ctx, execCtx)
		if err != nil {
			return networkName, lastSummary, fmt.Errorf("queue: reviewer stage for bundle %s: %w", bundle.Slug, err)
		}

		if reviewResult.Status == agent.StatusCompleted {
			break
		}
		if loopCtl.Exhausted() {
			return networkName, lastSummary, fmt.Errorf("queue: review gate blocked bundle %s and loop budget is exhausted", bundle.Slug)
		}
		log.Warn("review gate blocked bundle, retrying from DRAFT")
	}

	return networkName, lastSummary, nil
}

// runRecord flattens one bundle's final executor summary into its
// run/index.json entry.
func runRecord(bundle requirement.VulnBundle, summary executor.Summary) map[string]any {
	return map[string]any{
		"slug":         bundle.Slug,
		"vuln_id":      bundle.VulnID,
		"build_passed": summary.BuildPassed,
		"run_passed":   summary.RunPassed,
		"exit_code":    summary.ExitCode,
		"image_id":     summary.ImageID,
		"sbom_path":    summary.SBOMPath,
		"network":      summary.Network,
		"errors":       summary.Errors,
	}
}

func (p *PipelineRunner) writeRunIndex(sid string, records []map[string]any) {
	path := filepath.Join(p.layout.ArtifactsDir(sid), "run", "index.json")
	if err := store.WriteJSON(path, map[string]any{"runs": records}); err != nil {
		slog.Warn("failed to write run index", "sid", sid, "error", err)
	}
}

// evaluate runs the Verifier Chain over every bundle, persists evals.json,
// and mirrors the verdict into the run_evaluations table.
func (p *PipelineRunner) evaluate(ctx context.Context, sid string, plan requirement.Plan, chain *verifier.Chain, loopCount int) (evals.Report, error) {
	report, err := evals.NewEvaluator(p.layout, chain).Run(ctx, plan)
	if err != nil {
		return evals.Report{}, err
	}
	if verdict, merr := json.Marshal(report); merr == nil {
		if err := p.repo.RecordEvaluation(ctx, sid, loopCount, string(statemachine.Verify), verdict, !report.OverallPass); err != nil {
			slog.Warn("failed to record evaluation row", "sid", sid, "error", err)
		}
	}
	return report, nil
}

// imageTagFor derives a deterministic, Docker-tag-safe image name for a
// bundle, scoped to its SID so concurrent workers never collide.
func imageTagFor(sid string, bundle requirement.VulnBundle) string {
	return strings.ToLower(fmt.Sprintf("vulnforge-%s-%s", sid, bundle.Slug))
}

// generatorManifestRecord mirrors the subset of generator_manifest.json
// (written by pkg/synthesis.Engine.writeManifestRecord) the runner needs
// to hand the Executor a built Manifest.
type generatorManifestRecord struct {
	Manifest requirement.Manifest `json:"manifest"`
}

func loadGeneratedManifest(metadataDir string) (requirement.Manifest, error) {
	path := filepath.Join(metadataDir, "generator_manifest.json")
	var rec generatorManifestRecord
	if err := store.ReadJSON(path, &rec); err != nil {
		return requirement.Manifest{}, fmt.Errorf("queue: read generator manifest record: %w", err)
	}
	return rec.Manifest, nil
}
