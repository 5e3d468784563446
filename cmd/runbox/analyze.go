package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/repo"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze owner/repo",
	Short: "Detect the runtime and commands of a GitHub repository without cloning it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	owner, name, err := repo.ParseSlug(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	gh := repo.NewGitHub(repo.GitHubConfig{
		APIURL:   cfg.GitHub.BaseURL(),
		Token:    cfg.GitHub.Token,
		CacheTTL: cfg.GitHub.CacheTTL(),
	}, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	analysis, err := gh.Analyze(ctx, owner, name)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), analysis)
}
