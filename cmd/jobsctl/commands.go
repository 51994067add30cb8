package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	api "creative-job-scheduler/internal/api"
	"creative-job-scheduler/internal/bootstrap"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/logging"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/worker"
)

// cli holds state shared by every subcommand after PersistentPreRunE.
type cli struct {
	cfg config.Config
	log zerolog.Logger
}

func newRootCommand() *cobra.Command {
	app := &cli{}
	var storeDriver string

	cmd := &cobra.Command{
		Use:          "jobsctl",
		Short:        "Operate the creative job scheduler from cron or a shell",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app.cfg = config.Load()
			if storeDriver != "" {
				app.cfg.StoreDriver = storeDriver
			}
			app.log = logging.NewWithWriter(cmd.ErrOrStderr(), app.cfg.Env, app.cfg.LogLevel)
			return app.cfg.Validate()
		},
	}
	cmd.PersistentFlags().StringVar(&storeDriver, "store", "", "override STORE_DRIVER (postgres, sqlite, mysql, memory)")

	cmd.AddCommand(
		app.migrateCommand(),
		app.tickCommand(),
		app.workCommand(),
		app.statusCommand(),
		app.getCommand(),
		app.tokenCommand(),
	)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Install or upgrade the job store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := bootstrap.OpenStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			a.log.Info().Str("store", a.cfg.StoreDriver).Msg("schema up to date")
			return nil
		},
	}
}

func (a *cli) tickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatcher tick against the configured handoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := bootstrap.OpenStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			w, err := bootstrap.NewWorker(ctx, a.cfg, st, a.log)
			if err != nil {
				return err
			}
			h, err := bootstrap.NewHandoff(ctx, a.cfg, w, a.log)
			if err != nil {
				return err
			}
			res, err := bootstrap.NewDispatcher(a.cfg, st, h, a.log).Tick(ctx)
			// A local handoff runs the triggers in this process; wait for them.
			h.Close()
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func (a *cli) workCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Claim and run pending jobs directly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			ctx := cmd.Context()
			st, err := bootstrap.OpenStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			w, err := bootstrap.NewWorker(ctx, a.cfg, st, a.log)
			if err != nil {
				return err
			}
			outcomes := make([]worker.Outcome, 0, count)
			for i := 0; i < count; i++ {
				out, err := w.ProcessNext(ctx)
				if err != nil {
					return err
				}
				if !out.Processed {
					break
				}
				outcomes = append(outcomes, out)
			}
			return printJSON(cmd, map[string]any{"processed": len(outcomes), "outcomes": outcomes})
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "maximum number of jobs to run")
	return cmd
}

func (a *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count jobs by status over the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := bootstrap.OpenStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			stats, err := bootstrap.NewDispatcher(a.cfg, st, nil, a.log).Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"stats": stats, "summary": stats.Summary()})
		},
	}
}

func (a *cli) getCommand() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job regardless of owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := bootstrap.OpenStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			job, err := st.GetJob(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if !withEvents {
				return printJSON(cmd, job)
			}
			events, err := st.ListEvents(ctx, job.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"job": job, "events": events})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the audit trail")
	return cmd
}

func (a *cli) tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for a user with AUTH_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is not set")
			}
			tok, err := api.SignUserToken(a.cfg.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
