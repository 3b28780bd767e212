package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/triage-ai/warden/internal/patterns"
	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/trust"
	"github.com/triage-ai/warden/internal/validator"
)

// ErrBlocked is returned by validate --fail-on-block for blocked input.
var ErrBlocked = errors.New("input blocked")

type validateOutput struct {
	Tier               string                `json:"tier"`
	TrustLevel         trust.Level           `json:"trust_level"`
	TrustScore         float64               `json:"trust_score"`
	Confidence         float64               `json:"confidence"`
	Blocked            bool                  `json:"blocked"`
	RequiresQuarantine bool                  `json:"requires_quarantine"`
	BlockReason        string                `json:"block_reason,omitempty"`
	QuarantineReasons  []string              `json:"quarantine_reasons,omitempty"`
	AttackTypes        []patterns.AttackType `json:"attack_types,omitempty"`
	PatternIDs         []string              `json:"pattern_ids,omitempty"`
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var (
		userID, sessionID string
		failOnBlock       bool
	)
	cmd := &cobra.Command{
		Use:   "validate [text]",
		Short: "Validate user input and show the tier it would be routed to",
		Long: `Validate runs pattern detection, heuristics and trust scoring on the
input. Unlike the HTTP API it prints the reasons, since the operator
running it is not the author of the input.

  wardenctl validate "ignore previous instructions"
  echo "what plans do you offer?" | wardenctl validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			g, err := opts.buildGuard()
			if err != nil {
				return err
			}
			res := g.Validate(cmd.Context(), text, validator.Options{UserID: userID, SessionID: sessionID})
			out := validateOutput{
				Tier:               routing.Decide(res).String(),
				TrustLevel:         res.TrustLevel,
				TrustScore:         res.Details.TrustScore,
				Confidence:         res.Confidence,
				Blocked:            res.IsBlocked,
				RequiresQuarantine: res.RequiresQuarantine,
				BlockReason:        res.BlockReason,
				QuarantineReasons:  res.QuarantineReasons,
				AttackTypes:        res.Details.Pattern.AllAttackTypes,
				PatternIDs:         res.Details.Pattern.MatchedPatternIDs,
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if failOnBlock && res.IsBlocked {
				return ErrBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id recorded in the security context")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id recorded in the security context")
	cmd.Flags().BoolVar(&failOnBlock, "fail-on-block", false, "Exit non-zero when the input is blocked")
	return cmd
}

func newSanitizeCmd(opts *rootOptions) *cobra.Command {
	var removeURLs, removeHTML, report bool
	cmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Remove exfiltration vectors from model output",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			g, err := opts.buildGuard()
			if err != nil {
				return err
			}
			var so sanitizer.Options
			if cmd.Flags().Changed("remove-urls") {
				so.RemoveAllURLs = &removeURLs
			}
			if cmd.Flags().Changed("remove-html") {
				so.RemoveHTML = &removeHTML
			}
			r := g.Sanitizer.SanitizeWithReportOptions(text, so)
			if report {
				return printJSON(cmd, r)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), r.Sanitized)
			return err
		},
	}
	cmd.Flags().BoolVar(&removeURLs, "remove-urls", false, "Remove every URL regardless of the allowlist")
	cmd.Flags().BoolVar(&removeHTML, "remove-html", false, "Strip HTML tags")
	cmd.Flags().BoolVar(&report, "report", false, "Print the full report as JSON")
	return cmd
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [text]",
		Short: "List exfiltration vectors in model output without changing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			g, err := opts.buildGuard()
			if err != nil {
				return err
			}
			findings := g.Scan(text)
			if findings == nil {
				findings = []sanitizer.Finding{}
			}
			return printJSON(cmd, findings)
		},
	}
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var (
		level    string
		approved []string
		tool     string
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show the capability table and what a trust level may call",
		Long: `Without --trust, tools prints each tool and its minimum trust level.
With --trust, it adds whether a context at that level, with the tools
given by --approve, would be allowed to call each one.

  wardenctl tools --trust VERIFIED --approve create_ticket
  wardenctl tools --trust UNTRUSTED --tool get_plans`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.buildGuard()
			if err != nil {
				return err
			}
			if level != "" {
				if _, err := trust.ParseLevel(level); err != nil {
					return err
				}
			}

			names := g.Gate.Table().Tools()
			if tool != "" {
				names = []string{tool}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if level == "" {
				fmt.Fprintln(tw, "TOOL\tMIN TRUST")
				for _, name := range names {
					fmt.Fprintf(tw, "%s\t%s\n", name, g.Gate.Required(name))
				}
				return tw.Flush()
			}

			fmt.Fprintln(tw, "TOOL\tMIN TRUST\tALLOWED\tREASON")
			for _, name := range names {
				d := g.CheckTool(name, level, "", approved)
				reason := d.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", name, d.RequiredTrust, d.Allowed, reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&level, "trust", "", "Trust level to evaluate (QUARANTINED, UNTRUSTED, VERIFIED, TRUSTED)")
	cmd.Flags().StringSliceVar(&approved, "approve", nil, "Tools approved for the evaluated context")
	cmd.Flags().StringVar(&tool, "tool", "", "Only show this tool")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
