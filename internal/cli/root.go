// Package cli is the wardenctl command line: it runs the guard locally
// against text given as an argument or on stdin.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/config"
	"github.com/triage-ai/warden/internal/guard"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wardenctl",
		Short: "Warden - trust-tiered guardrails for LLM applications",
		Long: `wardenctl runs the Warden guard locally. It validates user input,
sanitizes model output, and answers tool capability questions using the
same configuration file as the server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to warden YAML config (default: built-in defaults plus GUARD_* env)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log guard decisions to stderr")

	cmd.AddCommand(
		newValidateCmd(opts),
		newSanitizeCmd(opts),
		newScanCmd(opts),
		newToolsCmd(opts),
		newConfigCmd(opts),
		newKeysCmd(),
	)
	return cmd
}

func Execute() error {
	return rootCmd.Execute()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildGuard builds a one-shot guard. Each invocation checks a single text, so
// the result cache is off and no Redis client is needed.
func (o *rootOptions) buildGuard() (*guard.Guard, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.CacheValidationResults = false
	cfg.CacheBackend = config.CacheMemory

	logger := zap.NewNop()
	if o.verbose {
		zc := zap.NewDevelopmentConfig()
		zc.ErrorOutputPaths = []string{"stderr"}
		zc.OutputPaths = []string{"stderr"}
		if l, err := zc.Build(); err == nil {
			logger = l
		}
	}

	rt, err := guard.NewRuntime(cfg, guard.Deps{Logger: logger})
	if err != nil {
		return nil, err
	}
	return rt.Current(), nil
}

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	text := strings.TrimRight(string(data), "\r\n")
	if text == "" {
		return "", fmt.Errorf("no input: pass text as an argument or on stdin")
	}
	return text, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
