package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworks/sessiond/internal/config"
	"github.com/agentworks/sessiond/internal/daemon"
	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/log"
	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/sink"
	"github.com/agentworks/sessiond/internal/worker"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "prompt API listen address")
	flag.StringVar(&cfg.WorkerCommand, "worker", cfg.WorkerCommand, "worker CLI command")
	flag.DurationVar(&cfg.ReadStallTimeout, "stall-timeout", cfg.ReadStallTimeout, "kill the worker after this long without output")
	flag.DurationVar(&cfg.ReportMinInterval, "report-interval", cfg.ReportMinInterval, "minimum interval between progress posts")

	var (
		naturalKey  = flag.String("natural-key", "", "session natural key, e.g. acme/widgets#42")
		repo        = flag.String("repo", "", "owner/name of the repository")
		issue       = flag.Int64("issue", 0, "issue or PR number the thread lives on")
		source      = flag.String("source", string(model.SourceGitHub), "trigger source: github or jira")
		branch      = flag.String("branch", "", "working branch name")
		workDir     = flag.String("workdir", "", "worker working directory")
		prompt      = flag.String("prompt", "", "initial prompt to process on start")
		githubToken = flag.String("github-token", os.Getenv("GITHUB_TOKEN"), "token for posting thread comments")
	)
	flag.Parse()

	log.Configure(log.Config{Service: "sessiond"})
	logger := log.Base()

	if *naturalKey == "" {
		fatal(fmt.Errorf("-natural-key is required"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath, cfg.SessionTTL)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	var reporter sink.Sink
	if *githubToken != "" && *repo != "" && *issue > 0 {
		reporter = sink.NewGitHubSink(*githubToken, *repo, *issue)
	} else {
		logger.Warn().Msg("no thread provider configured, reports go to the log")
		reporter = sink.NewLogSink(log.WithComponent("sink"))
	}

	runner := worker.NewRunner(cfg.WorkerCommand, *workDir, cfg.ReadChunkSize, cfg.ReadStallTimeout, log.WithComponent("worker"))

	template := model.Session{
		NaturalKey:  *naturalKey,
		Source:      model.SessionSource(*source),
		Repo:        *repo,
		IssueNumber: *issue,
		BranchName:  *branch,
	}

	sup := daemon.NewSupervisor(cfg, store, runner, reporter, template, *prompt, log.WithComponent("supervisor"))
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
	os.Exit(1)
}
