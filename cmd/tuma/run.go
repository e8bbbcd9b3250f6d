package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/dataproxy"
)

var (
	runConfigPath string
	runInput      string
	runType       string
)

var runCmd = &cobra.Command{
	Use:   "run <script-file>",
	Short: "Execute a script file through the full pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runScript,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runInput, "input", "{}", "input data as JSON, or @path to read a file")
	runCmd.Flags().StringVar(&runType, "type", "default", "run type selecting the configured data-access grant")
}

func runScript(_ *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(envOr("TUMA_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script %s: %w", args[0], err)
	}

	input, err := parseInput(runInput)
	if err != nil {
		return fmt.Errorf("parsing --input: %w", err)
	}

	grantCfg, ok := cfg.Grant(runType)
	if !ok {
		return fmt.Errorf("no grant configured for run type %q", runType)
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome := sc.Executor.Run(ctx, string(script), input, budgetFromConfig(cfg.Sandbox), dataproxy.Grant{
		Owner:              runType,
		AllowedCollections: grantCfg.AllowedCollections,
		MaxReadsPerMinute:  grantCfg.MaxReadsPerMinute,
		MaxWritesPerMinute: grantCfg.MaxWritesPerMinute,
		ReadOnly:           grantCfg.ReadOnly,
	})

	logger.Info("run settled",
		slog.String("run_id", outcome.RunID),
		slog.String("state", string(outcome.State)),
		slog.Duration("duration", outcome.Duration),
	)
	if outcome.Err != nil {
		return fmt.Errorf("run %s: %w", outcome.RunID, outcome.Err)
	}

	encoded, err := json.MarshalIndent(outcome.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}

// parseInput decodes the --input flag: inline JSON, or @path for a file.
func parseInput(raw string) (map[string]any, error) {
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		data, err = os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, err
	}
	return input, nil
}

// envOr returns the environment value when set, the fallback otherwise.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
