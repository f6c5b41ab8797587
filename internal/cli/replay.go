package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/incident-engine/internal/app"
	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/incidents"
	"github.com/spf13/cobra"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	State   string
	Service string
	Limit   int
}

// VerifyReport is the JSON output of verify.
type VerifyReport struct {
	Checked    int             `json:"checked"`
	Violations int             `json:"violations"`
	Failures   []VerifyFailure `json:"failures"`
}

// VerifyFailure describes one incident that did not replay cleanly.
type VerifyFailure struct {
	IncidentID string `json:"incident_id"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <incident-id>",
		Short: "Rebuild one incident from its event log and compare with stored state",
		Long: `Rebuild one incident from its event log and compare with stored state.

Exit codes:
  0 - replay matches stored state
  1 - integrity violation
  2 - command error (config, database, unknown incident)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(ctx context.Context, a *app.App) error {
				result, err := a.Service().Replay(ctx, args[0])
				if err != nil {
					return replayExitError(args[0], err)
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "incident %s: %d events, state %s, version %d, digest %s\n",
					result.FinalState.ID, result.EventCount, result.FinalState.State,
					result.FinalState.Version, result.FinalDigest)
				return nil
			})
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every matching incident and report integrity violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(ctx context.Context, a *app.App) error {
				return runVerify(ctx, cmd, opts, a.Service())
			})
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "only incidents in this state")
	cmd.Flags().StringVar(&opts.Service, "service", "", "only incidents of this service")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum incidents to check (0 checks all)")

	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, opts *VerifyOptions, svc *incidents.Service) error {
	filter := incidents.IncidentFilter{Limit: opts.Limit}
	if opts.State != "" {
		state := domain.State(strings.ToUpper(opts.State))
		filter.State = &state
	}
	if opts.Service != "" {
		filter.Service = &opts.Service
	}

	results, err := svc.Verify(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list incidents", err)
	}

	report := VerifyReport{Checked: len(results), Failures: []VerifyFailure{}}
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		kind := incidents.KindOf(r.Err)
		if kind == incidents.KindReplayIntegrity {
			report.Violations++
		}
		report.Failures = append(report.Failures, VerifyFailure{
			IncidentID: r.IncidentID,
			Kind:       kind.String(),
			Error:      r.Err.Error(),
		})
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		for _, f := range report.Failures {
			fmt.Fprintf(out, "FAIL %s [%s] %s\n", f.IncidentID, f.Kind, f.Error)
		}
		fmt.Fprintf(out, "checked %d incident(s), %d integrity violation(s)\n", report.Checked, report.Violations)
	}

	switch {
	case report.Violations > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d integrity violation(s)", report.Violations))
	case len(report.Failures) > 0:
		return NewExitError(ExitCommandError, fmt.Sprintf("%d incident(s) could not be verified", len(report.Failures)))
	}
	return nil
}

func replayExitError(id string, err error) error {
	if errors.Is(err, incidents.ErrReplayIntegrity) {
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	return WrapExitError(ExitCommandError, fmt.Sprintf("cannot replay incident %s", id), err)
}

func withApp(ctx context.Context, opts *RootOptions, fn func(context.Context, *app.App) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize application", err)
	}
	defer func() {
		_ = shutdown(a, cfg)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}
