package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcserver "github.com/sunshow/warmupd/internal/grpc"
	"github.com/sunshow/warmupd/internal/warmup"
)

const rpcTimeout = 30 * time.Second

// withClient dials the configured warmupd server and runs fn against it
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *grpcserver.Client) error) error {
	addr := v.GetString("grpc.addr")
	client, err := grpcserver.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

// remoteError turns a failed response into an error
func remoteError(success bool, msg string) error {
	if success {
		return nil
	}
	if msg == "" {
		msg = "request failed"
	}
	return errors.New(msg)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", what, s)
	}
	return id, nil
}

func printOK(format string, args ...any) {
	fmt.Printf("%s %s\n", color.New(color.FgGreen).Sprint("✓"), fmt.Sprintf(format, args...))
}

func statusColor(s warmup.Status) *color.Color {
	switch s {
	case warmup.StatusCompleted:
		return color.New(color.FgGreen)
	case warmup.StatusSkipped:
		return color.New(color.FgCyan)
	case warmup.StatusAvailable, warmup.StatusInProgress:
		return color.New(color.FgYellow)
	case warmup.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// ─── Phase Commands ───

func readyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List accounts whose next phase is eligible now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.ReadyAccounts(ctx, &grpcserver.ReadyAccountsRequest{Limit: limit})
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				if len(resp.Accounts) == 0 {
					fmt.Println("No ready accounts")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tUSERNAME\tCONTAINER\tPHASE\tPHASE ID\tAVAILABLE AT")
				for _, a := range resp.Accounts {
					container := "-"
					if a.ContainerNumber != nil {
						container = strconv.Itoa(*a.ContainerNumber)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
						a.AccountID, a.Username, container, a.Phase, a.PhaseID, formatTime(a.AvailableAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum accounts to list")
	return cmd
}

func advanceCmd() *cobra.Command {
	var (
		req     grpcserver.AdvancePhaseRequest
		errText string
	)
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Record the outcome of a phase",
		Long: `Record the outcome of a phase, identified either by --phase-id or by
--account and --phase.

Examples:
  warmupd advance --account 12 --phase manual_setup --outcome success
  warmupd advance --phase-id 340 --outcome skipped --actor ops
  warmupd advance --phase-id 341 --outcome failure --error "login challenge"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ErrorMessage = errText
			if req.Actor == "" {
				req.Actor = os.Getenv("USER")
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.AdvancePhase(ctx, &req)
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				p := resp.Phase
				printOK("%s of account %d is %s", p.Phase, p.AccountID, statusColor(p.Status).Sprint(p.Status))
				if resp.NextAvailableAt != nil {
					fmt.Printf("  next phase eligible at %s\n", formatTime(resp.NextAvailableAt))
				}
				if resp.Activated {
					fmt.Printf("  account %d completed warmup and is now %s\n", p.AccountID, color.New(color.FgGreen).Sprint("active"))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&req.PhaseID, "phase-id", 0, "phase row id")
	cmd.Flags().Int64Var(&req.AccountID, "account", 0, "account id (with --phase)")
	cmd.Flags().StringVar(&req.Phase, "phase", "", "phase name (with --account)")
	cmd.Flags().StringVar(&req.Outcome, "outcome", "", "success, failure, timeout or skipped")
	cmd.Flags().StringVar(&errText, "error", "", "error message for failure outcomes")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "who is recording the outcome (default $USER)")
	_ = cmd.MarkFlagRequired("outcome")
	cmd.MarkFlagsMutuallyExclusive("phase-id", "account")
	cmd.MarkFlagsRequiredTogether("account", "phase")
	return cmd
}

func requeueCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "requeue <phase-id>",
		Short: "Return a failed phase to available with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseID, err := parseID(args[0], "phase id")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.RequeuePhase(ctx, &grpcserver.RequeuePhaseRequest{PhaseID: phaseID, Actor: actor})
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				printOK("%s of account %d requeued", resp.Phase.Phase, resp.Phase.AccountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "operator name")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show the warmup progress of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account id")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.WarmupStatus(ctx, &grpcserver.WarmupStatusRequest{AccountID: accountID})
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}

				st := resp.Status
				fmt.Printf("Account %d (%s): %s\n", st.Account.ID, st.Account.Username, st.Account.LifecycleState)
				if st.Account.CooldownUntil != nil {
					fmt.Printf("  paused until %s\n", formatTime(st.Account.CooldownUntil))
				}
				fmt.Println()

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "#\tPHASE\tSTATUS\tRETRIES\tAVAILABLE AT\tERROR")
				for _, p := range st.Phases {
					errMsg := ""
					if p.ErrorMessage != nil {
						errMsg = *p.ErrorMessage
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
						p.PhaseOrder, p.Phase, statusColor(p.Status).Sprint(p.Status), p.RetryCount, formatTime(p.AvailableAt), errMsg)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				done := st.Counts[warmup.StatusCompleted] + st.Counts[warmup.StatusSkipped]
				fmt.Printf("\n%d/%d phases done, warmup complete: %v\n", done, len(st.Phases), st.Complete)
				return nil
			})
		},
	}
}

// ─── Account Commands ───

func transitionCmd() *cobra.Command {
	var req grpcserver.TransitionRequest
	cmd := &cobra.Command{
		Use:   "transition <account-id> <state>",
		Short: "Move an account to another lifecycle state",
		Long: `Move an account to another lifecycle state.

States: imported, ready, ready_for_bot_assignment, warmup, active, archived.
Entering warmup requires a bound container and seeds the phase sequence.
warmup → active requires a complete sequence unless --force is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account id")
			if err != nil {
				return err
			}
			req.AccountID = accountID
			req.ToState = args[1]
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.TransitionLifecycle(ctx, &req)
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				printOK("account %d: %s → %s", accountID, resp.Transition.FromState, resp.Transition.ToState)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded in the audit log")
	cmd.Flags().StringVar(&req.Actor, "actor", os.Getenv("USER"), "operator name")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	cmd.Flags().BoolVar(&req.Force, "force", false, "activate before warmup is complete")
	return cmd
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Bind a device container or proxy to an account",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "container <account-id> <number>",
		Short: "Bind an exclusive device container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account id")
			if err != nil {
				return err
			}
			number, err := strconv.Atoi(args[1])
			if err != nil || number < 0 {
				return fmt.Errorf("invalid container number: %q", args[1])
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.AssignContainer(ctx, &grpcserver.AssignContainerRequest{AccountID: accountID, ContainerNumber: number})
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				printOK("container %d bound to account %d", number, accountID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "proxy <account-id> <proxy-id>",
		Short: "Bind a network proxy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account id")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.AssignProxy(ctx, &grpcserver.AssignProxyRequest{AccountID: accountID, ProxyID: args[1]})
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				printOK("proxy %s bound to account %d", args[1], accountID)
				return nil
			})
		},
	})

	return cmd
}

func pauseCmd() *cobra.Command {
	var (
		duration time.Duration
		resume   bool
	)
	cmd := &cobra.Command{
		Use:   "pause <account-id>",
		Short: "Hold every phase of an account for a while",
		Example: `  warmupd pause 12 --for 6h
  warmupd pause 12 --resume`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0], "account id")
			if err != nil {
				return err
			}
			req := &grpcserver.PauseAccountRequest{AccountID: accountID}
			if !resume {
				if duration <= 0 {
					return fmt.Errorf("--for must be positive, or use --resume")
				}
				until := time.Now().Add(duration)
				req.Until = &until
			}
			return withClient(cmd, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.PauseAccount(ctx, req)
				if err != nil {
					return err
				}
				if err := remoteError(resp.Success, resp.Error); err != nil {
					return err
				}
				if resume {
					printOK("account %d resumed", accountID)
				} else {
					printOK("account %d paused until %s", accountID, formatTime(req.Until))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "pause duration")
	cmd.Flags().BoolVar(&resume, "resume", false, "clear the pause")
	cmd.MarkFlagsMutuallyExclusive("for", "resume")
	return cmd
}

// ─── Events ───

func eventsCmd() *cobra.Command {
	var accountID int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow scheduler events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := grpcserver.Dial(v.GetString("grpc.addr"))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = client.EventStream(ctx, &grpcserver.EventStreamRequest{AccountID: accountID}, func(evt *grpcserver.ServerEvent) error {
				ts := time.UnixMilli(evt.Timestamp).Format(time.TimeOnly)
				fmt.Printf("%s %-22s account=%d phase=%s %s\n",
					color.New(color.Faint).Sprint(ts),
					color.New(color.FgCyan).Sprint(evt.EventType),
					evt.AccountID, evt.Phase, evt.DataJSON)
				return nil
			})
			if status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "only events for this account")
	return cmd
}
