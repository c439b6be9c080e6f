// Package injector wraps the orchestrator's external-service
// collaborators with fault-injecting decorators, so the resilience
// experiment can measure retry behavior under controlled failure
// rates instead of waiting for real outages.
package injector

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/alicebob/miniredis/v2"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/llm"
	"github.com/terrafix/terrafix/pkg/prcreator"
	"github.com/terrafix/terrafix/pkg/terraform/validator"
)

// Scope names one composable failure mode the injector can apply.
// Scopes combine with bitwise OR so a single run can exercise several
// failure modes at once (the "or all at once" case in the resilience
// experiment).
type Scope uint8

const (
	ScopeInferenceThrottle Scope = 1 << iota
	ScopeRepoHostRateLimit
	ScopeCloneTimeout
	ScopeDedupDisconnect
	ScopeNetworkError
	ScopeAll = ScopeInferenceThrottle | ScopeRepoHostRateLimit | ScopeCloneTimeout | ScopeDedupDisconnect | ScopeNetworkError
)

// Injector decides, per call, whether a given scope should fail this
// time, at a fixed probability p.
type Injector struct {
	scopes Scope
	p      float64
	rng    *rand.Rand
}

// New constructs an Injector enabled for the given scopes, failing
// each intercepted call with probability p. A non-nil seed makes the
// failure sequence reproducible across runs.
func New(scopes Scope, p float64, seed *uint64) *Injector {
	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewPCG(*seed, *seed>>1|1))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Injector{scopes: scopes, p: p, rng: rng}
}

// fail reports whether scope is enabled and this call should fail,
// consuming one draw from the injector's RNG regardless so the
// failure sequence stays reproducible even when scopes are disabled.
func (in *Injector) fail(scope Scope) bool {
	roll := in.rng.Float64()
	return in.scopes&scope != 0 && roll < in.p
}

// cloner mirrors the orchestrator's clone collaborator shape.
type cloner interface {
	Clone(ctx context.Context, remoteURL, branch string) (string, error)
}

// fixGenerator mirrors the orchestrator's generation collaborator shape.
type fixGenerator interface {
	Generate(ctx context.Context, in llm.PromptInput) (*llm.Fix, error)
}

// fixValidator mirrors the orchestrator's validation collaborator shape.
type fixValidator interface {
	Validate(ctx context.Context, content, filename, providerContextDir string) (*validator.Result, error)
}

// prOpener mirrors the orchestrator's pull-request collaborator shape.
type prOpener interface {
	Create(ctx context.Context, req prcreator.Request) (*prcreator.Result, error)
}

type faultyCloner struct {
	in   *Injector
	next cloner
}

// WrapCloner decorates next so clone calls fail with a retryable
// clone-timeout error at the injector's configured rate, under
// ScopeCloneTimeout or ScopeNetworkError.
func (in *Injector) WrapCloner(next cloner) cloner {
	return &faultyCloner{in: in, next: next}
}

func (f *faultyCloner) Clone(ctx context.Context, remoteURL, branch string) (string, error) {
	if f.in.fail(ScopeCloneTimeout) {
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, true, "clone repository", context.DeadlineExceeded)
	}
	if f.in.fail(ScopeNetworkError) {
		return "", terrafixerrors.New(terrafixerrors.KindRepoHost, true, "clone repository", errNetwork)
	}
	return f.next.Clone(ctx, remoteURL, branch)
}

type faultyGenerator struct {
	in   *Injector
	next fixGenerator
}

// WrapGenerator decorates next so generation calls fail with a
// retryable throttling error at the injector's configured rate, under
// ScopeInferenceThrottle or ScopeNetworkError.
func (in *Injector) WrapGenerator(next fixGenerator) fixGenerator {
	return &faultyGenerator{in: in, next: next}
}

func (f *faultyGenerator) Generate(ctx context.Context, in llm.PromptInput) (*llm.Fix, error) {
	if f.in.fail(ScopeInferenceThrottle) {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, true, "invoke inference model", errThrottled)
	}
	if f.in.fail(ScopeNetworkError) {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, true, "invoke inference model", errNetwork)
	}
	return f.next.Generate(ctx, in)
}

type faultyValidator struct {
	in   *Injector
	next fixValidator
}

// WrapValidator decorates next so validation calls fail with a
// retryable network error under ScopeNetworkError; validation failures
// themselves are always permanent per the error taxonomy, so this
// scope is the only one that applies here.
func (in *Injector) WrapValidator(next fixValidator) fixValidator {
	return &faultyValidator{in: in, next: next}
}

func (f *faultyValidator) Validate(ctx context.Context, content, filename, providerContextDir string) (*validator.Result, error) {
	if f.in.fail(ScopeNetworkError) {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, true, "shell out to terraform", errNetwork)
	}
	return f.next.Validate(ctx, content, filename, providerContextDir)
}

type faultyPRCreator struct {
	in   *Injector
	next prOpener
}

// WrapPRCreator decorates next so pull-request calls fail with a
// retryable rate-limit error at the injector's configured rate, under
// ScopeRepoHostRateLimit or ScopeNetworkError.
func (in *Injector) WrapPRCreator(next prOpener) prOpener {
	return &faultyPRCreator{in: in, next: next}
}

func (f *faultyPRCreator) Create(ctx context.Context, req prcreator.Request) (*prcreator.Result, error) {
	if f.in.fail(ScopeRepoHostRateLimit) {
		return nil, terrafixerrors.New(terrafixerrors.KindRepoHost, true, "open pull request", errRateLimited)
	}
	if f.in.fail(ScopeNetworkError) {
		return nil, terrafixerrors.New(terrafixerrors.KindRepoHost, true, "open pull request", errNetwork)
	}
	return f.next.Create(ctx, req)
}

// DisconnectDedupStore severs the in-memory Redis double backing the
// dedup store for the duration of a resilience run, when
// ScopeDedupDisconnect is enabled. The dedup store has no substitute
// interface in the orchestrator (it is wired as a concrete
// *dedup.Store, matching its role as the sole cross-worker ordering
// primitive), so disconnection is simulated at the transport level
// rather than by decorating a collaborator interface.
func (in *Injector) DisconnectDedupStore(mr *miniredis.Miniredis, downtime time.Duration) {
	if in.scopes&ScopeDedupDisconnect == 0 {
		return
	}
	mr.Close()
	if downtime > 0 {
		time.AfterFunc(downtime, func() {
			_ = mr.Restart()
		})
	}
}

type networkError string

func (e networkError) Error() string { return string(e) }

var (
	errNetwork     = networkError("injected network error")
	errThrottled   = networkError("injected inference throttling")
	errRateLimited = networkError("injected repo-host rate limit")
)
