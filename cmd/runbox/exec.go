package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/repo"
)

const cliClientKey = "cli"

var (
	execLanguage string
	execFile     string
	execRepo     string
	execTimeout  time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run one snippet or repository through the configured sandbox backend",
	Example: `  runbox exec --language python --file hello.py
  echo 'console.log(1)' | runbox exec -l javascript -f -
  runbox exec --repo octocat/hello-world --timeout 5m`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execLanguage, "language", "l", "", "snippet language (python, javascript, bash, ...)")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", `snippet file, or "-" for stdin`)
	execCmd.Flags().StringVar(&execRepo, "repo", "", "GitHub repository (owner/name) to clone, build and test instead of a snippet")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "execution timeout (0 = language default)")
}

func runExec(cmd *cobra.Command, _ []string) error {
	if execRepo == "" && (execLanguage == "" || execFile == "") {
		return errors.New("either --repo or both --language and --file are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *execution.Result
	if execRepo != "" {
		res, err = execRepository(ctx, sc)
	} else {
		res, err = execSnippet(ctx, sc, cmd.InOrStdin())
	}
	if res != nil {
		if encErr := printJSON(cmd.OutOrStdout(), res); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	switch res.Status {
	case execution.StatusSuccess, execution.StatusPartialSuccess:
		return nil
	default:
		return fmt.Errorf("execution %s finished with status %s", res.ID, res.Status)
	}
}

func execSnippet(ctx context.Context, sc *SharedComponents, stdin io.Reader) (*execution.Result, error) {
	var (
		code []byte
		err  error
	)
	if execFile == "-" {
		code, err = io.ReadAll(stdin)
	} else {
		code, err = os.ReadFile(execFile)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snippet: %w", err)
	}
	return sc.Controller.ExecuteCode(ctx, execution.CodeRequest{
		Code:      string(code),
		Language:  execLanguage,
		Timeout:   execTimeout,
		ClientKey: cliClientKey,
	})
}

func execRepository(ctx context.Context, sc *SharedComponents) (*execution.Result, error) {
	owner, name, err := repo.ParseSlug(execRepo)
	if err != nil {
		return nil, err
	}
	meta, err := sc.GitHub.Metadata(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("fetching repository metadata: %w", err)
	}
	return sc.Controller.ExecuteRepository(ctx, execution.RepositoryRequest{
		RepoURL:   fmt.Sprintf("https://github.com/%s/%s", owner, name),
		Metadata:  *meta,
		Timeout:   execTimeout,
		ClientKey: cliClientKey,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
