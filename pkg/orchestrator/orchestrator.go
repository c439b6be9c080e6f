// Package orchestrator runs the per-violation remediation pipeline:
// claim, clone, analyze, generate, validate, open a pull request, and
// record the outcome in the deduplication store.
package orchestrator

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/dedup"
	"github.com/terrafix/terrafix/pkg/gitclient"
	"github.com/terrafix/terrafix/pkg/llm"
	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/prcreator"
	"github.com/terrafix/terrafix/pkg/resourcemap"
	"github.com/terrafix/terrafix/pkg/terraform/analyzer"
	"github.com/terrafix/terrafix/pkg/terraform/validator"
)

// correlationIDKey is the context key carrying a per-violation
// correlation id across goroutine boundaries started from the same
// pipeline invocation.
type correlationIDKey struct{}

// RepoRef is a resolved repository reference for one violation.
type RepoRef struct {
	Owner           string
	Repo            string
	Branch          string
	TerraformSubdir string
}

// RepoResolver maps a violation's resource id to a repository
// reference, or reports it as unmapped.
type RepoResolver func(resourceID string) (RepoRef, bool)

// cloner is the subset of gitclient.Client the pipeline depends on.
type cloner interface {
	Clone(ctx context.Context, remoteURL, branch string) (string, error)
}

// fixGenerator is the subset of llm.Generator the pipeline depends on.
type fixGenerator interface {
	Generate(ctx context.Context, in llm.PromptInput) (*llm.Fix, error)
}

// fixValidator is the subset of validator.Validator the pipeline
// depends on.
type fixValidator interface {
	Validate(ctx context.Context, content, filename, providerContextDir string) (*validator.Result, error)
}

// prOpener is the subset of prcreator.Creator the pipeline depends on.
type prOpener interface {
	Create(ctx context.Context, req prcreator.Request) (*prcreator.Result, error)
}

// Outcome summarizes one violation's pipeline run.
type Outcome struct {
	Fingerprint string
	Skipped     bool
	Failed      bool
	PRURL       string
	Err         error
}

// Orchestrator wires together every per-violation collaborator.
type Orchestrator struct {
	dedupStore     *dedup.Store
	resolveRepo    RepoResolver
	gitClient      cloner
	resourceTable  *resourcemap.Table
	generator      fixGenerator
	tfValidator    fixValidator
	prCreator      prOpener
	metrics        metrics.Collector
	logger         logr.Logger
	maxAttempts    int
	backoffCapSecs int
}

// New constructs an Orchestrator.
func New(
	dedupStore *dedup.Store,
	resolveRepo RepoResolver,
	gitClient cloner,
	resourceTable *resourcemap.Table,
	generator fixGenerator,
	tfValidator fixValidator,
	prCreator prOpener,
	collector metrics.Collector,
	logger logr.Logger,
) *Orchestrator {
	return &Orchestrator{
		dedupStore:     dedupStore,
		resolveRepo:    resolveRepo,
		gitClient:      gitClient,
		resourceTable:  resourceTable,
		generator:      generator,
		tfValidator:    tfValidator,
		prCreator:      prCreator,
		metrics:        collector,
		logger:         logger,
		maxAttempts:    3,
		backoffCapSecs: 60,
	}
}

// Process runs the full pipeline for one violation: claim, attempt
// with retry, and record the outcome.
func (o *Orchestrator) Process(ctx context.Context, v monitor.Violation) Outcome {
	correlationID := uuid.NewString()
	ctx = context.WithValue(ctx, correlationIDKey{}, correlationID)
	logger := o.logger.WithValues("correlation_id", correlationID, "violation_id", v.ID, "resource_id", v.ResourceID)

	fp := monitor.Fingerprint(v)

	alreadyDone, err := o.dedupStore.IsAlreadyProcessed(ctx, fp)
	if err == nil && alreadyDone {
		logger.V(1).Info("violation already processed, skipping")
		return Outcome{Fingerprint: fp, Skipped: true}
	}

	claimed, err := o.dedupStore.Claim(ctx, fp, v.ID, v.ResourceID)
	if err != nil {
		logger.Error(err, "dedup store claim failed, proceeding without a claim guarantee")
	} else if !claimed {
		logger.V(1).Info("another worker holds the claim for this fingerprint, skipping")
		return Outcome{Fingerprint: fp, Skipped: true}
	}

	if err := o.dedupStore.MarkInProgress(ctx, fp, v.ID, v.ResourceID); err != nil {
		logger.Error(err, "mark-in-progress failed, continuing anyway")
	}

	prURL, err := o.runWithRetry(ctx, logger, v)
	if err != nil {
		if markErr := o.dedupStore.MarkFailed(ctx, fp, err); markErr != nil {
			logger.Error(markErr, "mark-failed write failed")
		}
		logger.Error(err, "pipeline attempt failed")
		return Outcome{Fingerprint: fp, Failed: true, Err: err}
	}

	if err := o.dedupStore.MarkProcessed(ctx, fp, prURL); err != nil {
		logger.Error(err, "mark-processed write failed")
	}
	return Outcome{Fingerprint: fp, PRURL: prURL}
}

// runWithRetry retries the single-attempt pipeline per the spec's
// policy: attempts in {1,2,3}, backoff = min(2*2^attempt, 60) seconds
// for errors the source marked retryable; permanent errors propagate
// immediately.
func (o *Orchestrator) runWithRetry(ctx context.Context, logger logr.Logger, v monitor.Violation) (string, error) {
	backoff := capped(attemptBackoff, o.backoffCapSecs)
	backoff = retry.WithMaxRetries(uint64(o.maxAttempts-1), backoff)

	var prURL string
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		url, runErr := o.attempt(ctx, v)
		if runErr == nil {
			prURL = url
			return nil
		}
		logger.Info("pipeline attempt failed", "attempt", attempt, "retryable", terrafixerrors.IsRetryable(runErr), "error", runErr.Error())
		if terrafixerrors.IsRetryable(runErr) {
			o.metrics.IncCounter("retries_total", nil)
			return retry.RetryableError(runErr)
		}
		return runErr
	})
	return prURL, err
}

// attempt runs the single-attempt pipeline once: resolve repo, clone,
// analyze, generate, validate, open PR.
func (o *Orchestrator) attempt(ctx context.Context, v monitor.Violation) (string, error) {
	defer metrics.StageTimer(o.metrics, "total")()

	repo, found := o.resolveRepo(v.ResourceID)
	if !found {
		return "", terrafixerrors.New(terrafixerrors.KindResourceNotMapped, false, "resolve repository for resource", nil).
			WithResource(v.ResourceID)
	}

	cloneStop := metrics.StageTimer(o.metrics, "clone")
	clonePath, err := o.gitClient.Clone(ctx, repoURL(repo), repo.Branch)
	cloneStop()
	if err != nil {
		return "", err
	}
	defer gitclient.Cleanup(clonePath)

	tfDir := filepath.Join(clonePath, repo.TerraformSubdir)
	if info, statErr := os.Stat(tfDir); statErr != nil || !info.IsDir() {
		return "", terrafixerrors.New(terrafixerrors.KindResourceNotFound, false, "confirm terraform subdirectory exists", statErr).
			WithResource(repo.TerraformSubdir)
	}

	parseStop := metrics.StageTimer(o.metrics, "parse")
	an, err := analyzer.New(tfDir, o.resourceTable, o.logger, o.metrics)
	parseStop()
	if err != nil {
		return "", terrafixerrors.New(terrafixerrors.KindParseHCL, false, "parse terraform working copy", err)
	}

	resourceBlock, found := an.FindByResource(v.ResourceID, v.ResourceType)
	if !found {
		return "", terrafixerrors.New(terrafixerrors.KindResourceNotFound, false, "locate resource in terraform tree", nil).
			WithResource(v.ResourceID)
	}

	currentContent := string(resourceBlock.File.Raw)
	moduleCtx := analyzer.ModuleContextFor(resourceBlock.File)

	inferenceStop := metrics.StageTimer(o.metrics, "inference")
	fix, err := o.generator.Generate(ctx, llm.PromptInput{
		ViolationID:     v.ID,
		ViolationReason: v.Reason,
		Framework:       v.Framework,
		ResourceType:    v.ResourceType,
		ResourceID:      v.ResourceID,
		CurrentContent:  currentContent,
		ResourceBlock:   blockSource(resourceBlock, currentContent),
		ModuleContext:   moduleCtx,
	})
	inferenceStop()
	if err != nil {
		return "", err
	}
	if fix.FixedConfig == "" {
		return "", terrafixerrors.New(terrafixerrors.KindInference, false, "generate remediation", nil).
			WithContext("explanation", fix.Explanation)
	}

	validateStop := metrics.StageTimer(o.metrics, "validate")
	result, err := o.tfValidator.Validate(ctx, fix.FixedConfig, filepath.Base(resourceBlock.File.Path), "")
	validateStop()
	if err != nil {
		return "", err
	}
	if !result.Valid {
		return "", terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "validate generated fix", nil).
			WithContext("diagnostics", result.Diagnostics)
	}
	fix.FixedConfig = result.FormattedContent

	relPath, err := filepath.Rel(clonePath, resourceBlock.File.Path)
	if err != nil {
		relPath = resourceBlock.File.Path
	}

	createPRStop := metrics.StageTimer(o.metrics, "create-pr")
	prResult, err := o.prCreator.Create(ctx, prcreator.Request{
		Owner:      repo.Owner,
		Repo:       repo.Repo,
		BaseBranch: repo.Branch,
		FilePath:   filepath.ToSlash(relPath),
		NewContent: fix.FixedConfig,
		Violation:  v,
		Fix:        fix,
	})
	createPRStop()
	if err != nil {
		return "", err
	}
	if prResult.PRURL == "" {
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, false, "open pull request", nil).
			WithContext("reason", "duplicate-branch sentinel")
	}

	return prResult.PRURL, nil
}

func blockSource(rb *analyzer.ResourceBlock, fullFile string) string {
	start := rb.Block.TypeRange.Start.Byte
	end := rb.Block.CloseBraceRange.End.Byte
	if start < 0 || end > len(fullFile) || start >= end {
		return ""
	}
	return fullFile[start:end]
}

func repoURL(r RepoRef) string {
	return "https://github.com/" + path.Join(r.Owner, r.Repo) + ".git"
}

// CorrelationID reads the correlation id set at Process's entry.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

func attemptBackoff(attempt uint64) time.Duration {
	n := attempt + 1
	secs := 2 * (1 << n)
	return time.Duration(secs) * time.Second
}

// capped wraps a per-attempt backoff function into a retry.Backoff
// that caps every delay at capSecs seconds.
func capped(fn func(uint64) time.Duration, capSecs int) retry.Backoff {
	var attempt uint64
	ceiling := time.Duration(capSecs) * time.Second
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := fn(attempt)
		attempt++
		if d > ceiling {
			d = ceiling
		}
		return d, false
	})
}
