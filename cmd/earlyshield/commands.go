package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/gateway"
	"github.com/earlyshield/dashboard/internal/store"
)

// withCore opens a core for the duration of fn.
func (a *app) withCore(fn func(*core) error) error {
	c, err := newCore(a.cfg, a.logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// mutationOutput is printed by commands that change a signal.
type mutationOutput struct {
	Result     any          `json:"result"`
	Stats      domain.Stats `json:"stats"`
	StatsStale bool         `json:"statsStale,omitempty"`
}

// printMutation prints result with the reconciled stats. A stale-stats
// failure is reported but not treated as a command failure.
func printMutation(cmd *cobra.Command, st *store.Store, result any, err error) error {
	out := mutationOutput{Result: result}
	if err != nil {
		if !errors.Is(err, store.ErrStatsStale) {
			return err
		}
		out.StatsStale = true
	}
	out.Stats = st.Snapshot().Stats
	return printJSON(cmd.OutOrStdout(), out)
}

// ─── snapshot ─────────────────────────────────────────────────────────────────

func newSnapshotCmd(a *app) *cobra.Command {
	var withUser bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Refresh every collection and print the resulting snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(func(c *core) error {
				ctx := cmd.Context()
				if withUser {
					rs, err := c.store.SetActiveRole(c.store.Snapshot().Role)
					if err != nil {
						return err
					}
					if err := rs.Wait(ctx); err != nil {
						return err
					}
				}
				err := c.store.RefreshAll(ctx)
				var rerr *store.RefreshError
				if err != nil && !errors.As(err, &rerr) {
					return err
				}
				// A refresh failure is visible in the printed status and error.
				if perr := printJSON(cmd.OutOrStdout(), c.store.Snapshot()); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&withUser, "with-user", false, "also fetch the identity of the initial role")
	return cmd
}

// ─── signal ───────────────────────────────────────────────────────────────────

func newSignalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Report, triage and inspect signals",
	}
	cmd.AddCommand(newSignalAddCmd(a), newSignalStatusCmd(a), newSignalGetCmd(a), newSignalDeleteCmd(a))
	return cmd
}

func newSignalAddCmd(a *app) *cobra.Command {
	var (
		draft domain.SignalDraft
		risk  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Report a new signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.RiskLevel = domain.RiskLevel(risk)
			return a.withCore(func(c *core) error {
				created, err := c.store.AddSignal(cmd.Context(), draft)
				return printMutation(cmd, c.store, created, err)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&draft.Title, "title", "", "signal title")
	f.StringVar(&draft.Category, "category", "", "signal category")
	f.StringVar(&draft.Location, "location", "", "zone name the signal was observed in")
	f.StringVar(&risk, "risk", string(domain.RiskModerate), "risk level: Low | Moderate | Critical | Stable")
	f.StringVar(&draft.Description, "description", "", "free-text description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newSignalStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <Open|Investigating|Resolved>",
		Short: "Transition a signal to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.SignalStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q (want Open, Investigating or Resolved)", args[1])
			}
			return a.withCore(func(c *core) error {
				updated, err := c.store.SetSignalStatus(cmd.Context(), args[0], status)
				return printMutation(cmd, c.store, updated, err)
			})
		},
	}
}

func newSignalGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one signal from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(func(c *core) error {
				sig, err := c.gw.GetSignal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sig)
			})
		},
	}
}

// newSignalDeleteCmd talks to the gateway directly; the store never deletes.
func newSignalDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a signal on the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(func(c *core) error {
				if err := c.gw.DeleteSignal(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
			})
		},
	}
}

// ─── notifications ────────────────────────────────────────────────────────────

func newNotificationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Mark notifications read",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "read <id>",
			Short: "Mark one notification read",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("notification id must be an integer: %q", args[0])
				}
				return a.withCore(func(c *core) error {
					if err := c.store.MarkNotificationRead(cmd.Context(), id); err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]int{"read": id})
				})
			},
		},
		&cobra.Command{
			Use:   "read-all",
			Short: "Mark every notification read",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCore(func(c *core) error {
					if err := c.store.MarkAllNotificationsRead(cmd.Context()); err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]string{"read": "all"})
				})
			},
		},
	)
	return cmd
}

// ─── role / user ──────────────────────────────────────────────────────────────

func newRoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "role <Admin|Student|Management>",
		Short:     "Switch the active role and print the resolved identity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(domain.RoleAdmin), string(domain.RoleStudent), string(domain.RoleManagement)},
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := domain.ParseRole(args[0])
			if err != nil {
				return err
			}
			return a.withCore(func(c *core) error {
				rs, err := c.store.SetActiveRole(role)
				if err != nil {
					return err
				}
				if err := rs.Wait(cmd.Context()); err != nil {
					return err
				}
				if !rs.Applied() {
					return fmt.Errorf("identity for %s was superseded", role)
				}
				return printJSON(cmd.OutOrStdout(), c.store.Snapshot().User)
			})
		},
	}
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Edit an identity",
	}

	var (
		role              string
		name, email, dept string
	)
	update := &cobra.Command{
		Use:   "update",
		Short: "Apply a partial update to the identity of a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			var patch domain.UserPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("email") {
				patch.Email = &email
			}
			if cmd.Flags().Changed("department") {
				patch.Department = &dept
			}
			if patch.Empty() {
				return errors.New("nothing to update: pass --name, --email or --department")
			}
			a.cfg.InitialRole = string(r)
			return a.withCore(func(c *core) error {
				u, err := c.store.UpdateActiveUser(cmd.Context(), patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}
	f := update.Flags()
	f.StringVar(&role, "role", string(domain.RoleAdmin), "role whose identity is updated")
	f.StringVar(&name, "name", "", "new display name")
	f.StringVar(&email, "email", "", "new email address")
	f.StringVar(&dept, "department", "", "new department")

	cmd.AddCommand(update)
	return cmd
}

// ─── zone ─────────────────────────────────────────────────────────────────────

func newZoneCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Inspect and annotate campus zones",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one zone from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(func(c *core) error {
				z, err := c.gw.GetZone(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), z)
			})
		},
	}

	var (
		risk    string
		count   int
		details string
	)
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a zone's risk level, signal count or details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.ZonePatch
			if cmd.Flags().Changed("risk") {
				rl := domain.RiskLevel(risk)
				patch.RiskLevel = &rl
			}
			if cmd.Flags().Changed("signal-count") {
				patch.SignalCount = &count
			}
			if cmd.Flags().Changed("details") {
				patch.Details = &details
			}
			return a.withCore(func(c *core) error {
				z, err := c.gw.UpdateZone(cmd.Context(), args[0], patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), z)
			})
		},
	}
	f := update.Flags()
	f.StringVar(&risk, "risk", "", "risk level: Low | Moderate | Critical | Stable")
	f.IntVar(&count, "signal-count", 0, "number of signals attributed to the zone")
	f.StringVar(&details, "details", "", "free-text details")

	cmd.AddCommand(get, update)
	return cmd
}

// ─── activity ─────────────────────────────────────────────────────────────────

func newActivityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Inspect the local activity journal",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent operation outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(func(c *core) error {
				entries, err := c.journal.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal entries older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return a.withCore(func(c *core) error {
				n, err := c.journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention window")

	cmd.AddCommand(list, prune)
	return cmd
}

// describe turns a gateway failure into a one-line message for the terminal.
func describe(err error) string {
	if code := gateway.StatusCode(err); code != 0 {
		return fmt.Sprintf("%s (HTTP %d)", gateway.Message(err), code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "backend did not respond in time"
	}
	return err.Error()
}
