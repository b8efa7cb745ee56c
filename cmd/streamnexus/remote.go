package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anji4cp/streamnexus/pkg/client"
)

func newClient(g *GlobalFlags) (*client.Client, error) {
	return client.New(client.Config{BaseURL: g.APIUrl, Token: g.Token, Timeout: g.APITimeout})
}

// remote runs fn against the daemon with a request timeout.
func remote(cmd *cobra.Command, g *GlobalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), g.APITimeout)
	defer cancel()
	return fn(ctx, c)
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <stream-id>",
		Short: "Start a stream's encoder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
				if err := c.StartStream(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: live\n", args[0])
				return nil
			})
		},
	}
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <stream-id>",
		Short: "Stop a stream's encoder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
				if err := c.StopStream(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: offline\n", args[0])
				return nil
			})
		},
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <stream-id>",
		Short: "Show a stream's persisted status and whether its encoder runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
				st, err := c.StreamStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(w io.Writer, st client.StreamStatus) {
	s := st.Stream
	_, _ = fmt.Fprintf(w, "id:       %s\n", s.ID)
	_, _ = fmt.Fprintf(w, "title:    %s\n", s.Title)
	_, _ = fmt.Fprintf(w, "status:   %s\n", s.Status)
	_, _ = fmt.Fprintf(w, "encoder:  %s\n", map[bool]string{true: "running", false: "stopped"}[st.Active])
	if s.Platform != "" {
		_, _ = fmt.Fprintf(w, "platform: %s\n", s.Platform)
	}
	if s.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started:  %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.ScheduleTime != nil {
		_, _ = fmt.Fprintf(w, "schedule: %s\n", s.ScheduleTime.Format(time.RFC3339))
	}
	if s.EndTime != nil {
		_, _ = fmt.Fprintf(w, "ends:     %s\n", s.EndTime.Format(time.RFC3339))
	}
	if s.LastError != "" {
		_, _ = fmt.Fprintf(w, "error:    %s\n", s.LastError)
	}
}

func createLogsCommand(g *GlobalFlags) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <stream-id>",
		Short: "Print recent encoder output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c, err := newClient(g)
			if err != nil {
				return err
			}
			if flags.Follow {
				return c.FollowLogs(cmd.Context(), args[0], func(line string) error {
					_, err := fmt.Fprintln(out, line)
					return err
				})
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.APITimeout)
			defer cancel()
			logs, err := c.StreamLogs(ctx, args[0], flags.Lines)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, strings.Join(logs.Lines, "\n"))
			return nil
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 50, "number of lines (0 for all retained)")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "stream new lines until the encoder stops")
	return cmd
}

func createRotationCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Control rotations",
	}
	action := func(use, short, done string, call func(*client.Client, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <rotation-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
					if err := call(c, ctx, args[0]); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], done)
					return nil
				})
			},
		}
	}
	cmd.AddCommand(
		action("activate", "Activate or resume a rotation", "active", (*client.Client).ActivateRotation),
		action("pause", "Pause a rotation, keeping its position", "paused", (*client.Client).PauseRotation),
		action("stop", "Stop a rotation and reset its position", "inactive", (*client.Client).StopRotation),
		action("delete", "Delete an inactive rotation", "deleted", (*client.Client).DeleteRotation),
		&cobra.Command{
			Use:   "show <rotation-id>",
			Short: "Show a rotation's state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
					r, err := c.Rotation(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), r)
				})
			},
		},
	)
	return cmd
}

func createSyncCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile persisted stream status with running encoders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
				res, err := c.Sync(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "marked offline: %d, marked live: %d\n", res.MarkedOffline, res.MarkedLive)
				return nil
			})
		},
	}
}

func createActiveCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List running encoders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return remote(cmd, g, func(ctx context.Context, c *client.Client) error {
				encs, err := c.Active(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range encs {
					_, _ = fmt.Fprintf(out, "%-32s %-9s pid=%-7d up %s\n", e.Key, e.Kind, e.PID, time.Since(e.StartedAt).Truncate(time.Second))
				}
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
