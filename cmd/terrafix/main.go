// Command terrafix runs the remediation service: polls the
// compliance-monitoring platform, opens pull requests for non-compliant
// Terraform resources, and exposes a webhook/health HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-logr/logr"
	"github.com/google/go-github/v68/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/terrafix/terrafix/internal/config"
	"github.com/terrafix/terrafix/pkg/breaker"
	"github.com/terrafix/terrafix/pkg/dedup"
	"github.com/terrafix/terrafix/pkg/gitclient"
	"github.com/terrafix/terrafix/pkg/httpapi"
	"github.com/terrafix/terrafix/pkg/llm"
	"github.com/terrafix/terrafix/pkg/logging"
	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
	"github.com/terrafix/terrafix/pkg/prcreator"
	"github.com/terrafix/terrafix/pkg/ratelimit"
	"github.com/terrafix/terrafix/pkg/resourcemap"
	"github.com/terrafix/terrafix/pkg/serviceloop"
	"github.com/terrafix/terrafix/pkg/terraform/validator"
)

func main() {
	os.Exit(run())
}

// run wires every component together and blocks until a clean
// shutdown, returning the process exit code: 0 on clean shutdown
// after INT/TERM, 1 on configuration error or fatal initialization
// failure.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "terrafix: configuration error:", err)
		return 1
	}

	logger := logging.New(logging.Level(cfg.LogLevel))
	logger.Info("terrafix starting", "poll_interval", cfg.PollIntervalSeconds, "max_workers", cfg.MaxWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)

	resolveRepo, err := buildRepoResolver(cfg)
	if err != nil {
		logger.Error(err, "failed to load repository mapping")
		return 1
	}

	monitorClient, err := buildMonitorClient(cfg, logger)
	if err != nil {
		logger.Error(err, "failed to initialize monitor client")
		return 1
	}

	dedupStore, err := buildDedupStore(cfg, logger, collector)
	if err != nil {
		logger.Error(err, "failed to initialize dedup store")
		return 1
	}

	generator, err := buildGenerator(ctx, cfg)
	if err != nil {
		logger.Error(err, "failed to initialize inference client")
		return 1
	}

	githubHTTPClient := breaker.Client("repo-host", 30*time.Second, nil)
	gitClient := gitclient.New(cfg.RepoHostToken, logger)
	prCreator := prcreator.New(github.NewClient(githubHTTPClient).WithAuthToken(cfg.RepoHostToken))
	tfValidator := validator.New(cfg.TerraformExecPath)
	resourceTable := resourcemap.New(nil)

	orch := orchestrator.New(dedupStore, resolveRepo, gitClient, resourceTable, generator, tfValidator, prCreator, collector, logger)

	loop := serviceloop.New(monitorClient, orch, dedupStore, collector, logger,
		cfg.MaxWorkers, time.Duration(cfg.PollIntervalSeconds)*time.Second)

	apiServer := httpapi.New(orch, collector, registry, logger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Handler()}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	go func() {
		logger.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "http api server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	apiServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "http api server shutdown did not complete cleanly")
	}

	if err := <-loopErr; err != nil {
		logger.Error(err, "service loop exited with error")
		return 1
	}

	logger.Info("terrafix stopped cleanly")
	return 0
}

// buildRepoResolver loads the YAML repo mapping and returns a resolver
// implementing spec §3's documented lookup order: exact pattern
// match, then longest-prefix match, then the "default" rule, else
// absent. Precedence is resolved independently of rule file order —
// an exact match always wins, and among prefix matches the longest
// pattern wins, regardless of which rule appears first in the file.
func buildRepoResolver(cfg *config.Config) (orchestrator.RepoResolver, error) {
	mapping, err := config.LoadRepoMapping(cfg.RepoMappingPath)
	if err != nil {
		return nil, err
	}
	rules := mapping.Rules
	subdir := cfg.TerraformSubdir

	return func(resourceID string) (orchestrator.RepoRef, bool) {
		var fallback *config.RepoMappingRule
		var longestPrefix *config.RepoMappingRule

		for i := range rules {
			rule := rules[i]
			if rule.Pattern == "default" {
				fallback = &rules[i]
				continue
			}
			if rule.Pattern == resourceID {
				return repoRefFor(&rules[i], subdir), true
			}
			if strings.HasPrefix(resourceID, rule.Pattern) {
				if longestPrefix == nil || len(rule.Pattern) > len(longestPrefix.Pattern) {
					longestPrefix = &rules[i]
				}
			}
		}

		if longestPrefix != nil {
			return repoRefFor(longestPrefix, subdir), true
		}
		if fallback != nil {
			return repoRefFor(fallback, subdir), true
		}
		return orchestrator.RepoRef{}, false
	}, nil
}

func repoRefFor(rule *config.RepoMappingRule, subdir string) orchestrator.RepoRef {
	return orchestrator.RepoRef{Owner: rule.Owner, Repo: rule.Repo, Branch: rule.Branch, TerraformSubdir: subdir}
}

func buildMonitorClient(cfg *config.Config, logger logr.Logger) (*monitor.Client, error) {
	limiter := ratelimit.New(10, 300)
	return monitor.NewClient(monitor.Config{
		BaseURL:      cfg.MonitorBaseURL,
		Token:        cfg.MonitorToken,
		ClientID:     cfg.MonitorClientID,
		ClientSecret: cfg.MonitorClientSecret,
		TokenURL:     cfg.MonitorTokenURL,
		HTTPClient:   breaker.Client("monitor", 30*time.Second, nil),
	}, limiter, logger)
}

func buildDedupStore(cfg *config.Config, logger logr.Logger, collector metrics.Collector) (*dedup.Store, error) {
	opts, err := redis.ParseURL(cfg.DedupStoreURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return dedup.New(client, cfg.DedupKeyPrefix, cfg.DedupRetention(), logger, collector), nil
}

func buildGenerator(ctx context.Context, cfg *config.Config) (*llm.Generator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.InferenceRegion),
		awsconfig.WithHTTPClient(breaker.Client("inference", 60*time.Second, nil)),
	)
	if err != nil {
		return nil, err
	}
	client := bedrockruntime.NewFromConfig(awsCfg)
	return llm.New(client, llm.Config{ModelID: cfg.InferenceModelID}), nil
}
