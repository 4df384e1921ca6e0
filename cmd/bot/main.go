package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lunaria-Bot/MemAssistant/internal/app"
	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "memassistant",
		Short:         "Telegram reminder bot with restart-safe countdowns",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json, yaml or toml)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "start the bot (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(newSchedulesCmd(&cfgPath))
	return root
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}
	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
		stop(app.StopSignal)
		return nil
	case <-a.Done():
		err := a.Err()
		reason := app.StopAppStop
		if err != nil {
			reason = app.StopFatalError
		}
		stop(reason)
		return err
	}
}

func newSchedulesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "inspect persisted reminders without starting the bot",
	}

	var scope int64
	list := &cobra.Command{
		Use:   "list",
		Short: "print pending reminder records",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			recs, err := app.ListSchedules(c.Context(), *cfgPath, scope, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCOPE\tSUBJECT\tKIND\tTARGET\tEXPIRES\tLEFT")
			for _, r := range recs {
				target := "?"
				if t, err := delivery.DecodeTarget(r.Context); err == nil {
					target = fmt.Sprintf("chat %d", t.ChatID)
					if t.Direct {
						target = "direct"
					}
				}
				left := "expired"
				if !r.Expired(now) {
					left = r.ExpireAt.Sub(now).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
					r.Key.Scope, r.Key.Subject, r.Key.Kind, target, r.ExpireAt.Local().Format(time.DateTime), left)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%d record(s)\n", len(recs))
			return nil
		},
	}
	list.Flags().Int64Var(&scope, "scope", 0, "only this chat id")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "delete records whose deadline has passed",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			n, err := app.SweepSchedules(c.Context(), *cfgPath, logx.NewConsole("INFO"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "swept %d record(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, sweep)
	return cmd
}
