package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/matthewjhunter/courier"
	"github.com/matthewjhunter/courier/internal/config"
	"github.com/spf13/cobra"
)

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every active subscription of a user now (counts against the manual quota)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			run := engine.FetchNow(ctx, userID)
			if run.Value != nil {
				if err := formatter.OutputRun(run.Value); err != nil {
					return err
				}
			}
			_, err = unwrap(run)
			return err
		},
	}
}

func quotaCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show today's fetch quota, or per-day history with --history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if days > 0 {
				logs, err := unwrap(engine.QuotaHistory(ctx, userID, days))
				if err != nil {
					return err
				}
				return formatter.OutputHistory(logs)
			}
			status, err := unwrap(engine.Quota(ctx, userID))
			if err != nil {
				return err
			}
			return formatter.OutputQuota(status)
		},
	}
	cmd.Flags().IntVar(&days, "history", 0, "show usage for the last N days instead of today")
	return cmd
}

func resetQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quota",
		Short: "Clear today's fetch counters for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			reset, err := unwrap(engine.ResetQuota(ctx, userID))
			if err != nil {
				return err
			}
			if !reset {
				fmt.Printf("User %d has not fetched today\n", userID)
				return nil
			}
			fmt.Printf("Reset today's quota for user %d\n", userID)
			return nil
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired relations and contents no user can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := unwrap(engine.Reap(ctx))
			if err != nil {
				return err
			}
			return formatter.OutputReap(report)
		},
	}
}

func jobsCmd() *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List the scheduler's periodic jobs, or run one with --run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if run != "" {
				if _, err := unwrap(engine.RunJob(ctx, run)); err != nil {
					return err
				}
			}
			return formatter.OutputJobs(engine.Jobs())
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "run the named job once before listing")
	return cmd
}

func tasksCmd() *cobra.Command {
	var (
		status string
		all    bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent fetch tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			switch status {
			case "", courier.TaskPending, courier.TaskRunning, courier.TaskSuccess, courier.TaskFailed, courier.TaskCancelled:
			default:
				return fmt.Errorf("unknown task status %q", status)
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			filter := courier.TaskFilter{Status: status, Limit: limit}
			if !all {
				filter.UserID = userID
			}
			tasks, err := unwrap(engine.Tasks(ctx, filter))
			if err != nil {
				return err
			}
			return formatter.OutputTasks(tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status (pending, running, success, failed, cancelled)")
	cmd.Flags().BoolVar(&all, "all", false, "list tasks of every user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tasks")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var (
		name   string
		verify bool
		list   bool
		pause  int64
		resume int64
	)
	cmd := &cobra.Command{
		Use:   "subscribe [feed-url]",
		Short: "Subscribe a user to a feed, or list and pause their subscriptions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			if len(args) == 0 && !list && pause == 0 && resume == 0 {
				return errors.New("a feed URL, --list, --pause or --resume is required")
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if len(args) == 1 {
				if _, err := unwrap(engine.Subscribe(ctx, userID, args[0], name, verify)); err != nil {
					return err
				}
			}
			if pause != 0 {
				if _, err := unwrap(engine.SetSubscriptionActive(ctx, pause, false)); err != nil {
					return err
				}
			}
			if resume != 0 {
				if _, err := unwrap(engine.SetSubscriptionActive(ctx, resume, true)); err != nil {
					return err
				}
			}

			subs, err := unwrap(engine.Subscriptions(ctx, userID))
			if err != nil {
				return err
			}
			return formatter.OutputSubscriptions(subs)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the feed")
	cmd.Flags().BoolVar(&verify, "verify", false, "fetch the feed once and reject it if it cannot be read")
	cmd.Flags().BoolVar(&list, "list", false, "list the user's subscriptions")
	cmd.Flags().Int64Var(&pause, "pause", 0, "pause the subscription with this ID")
	cmd.Flags().Int64Var(&resume, "resume", 0, "resume the subscription with this ID")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <opml-file>",
		Short: "Import feeds from an OPML file and subscribe the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter, err := newFormatter()
			if err != nil {
				return err
			}
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.ImportOPML(ctx, args[0], userID)
			if err != nil {
				return fmt.Errorf("failed to import OPML: %w", err)
			}
			return formatter.OutputImport(res)
		},
	}
}

func fetchConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change a user's fetch settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the user's fetch settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFetchConfig(func(ctx context.Context, engine *courier.Engine) courier.Result[*courier.FetchConfig] {
				return engine.FetchConfig(ctx, userID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Turn off automatic fetching and deactivate the user's settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFetchConfig(func(ctx context.Context, engine *courier.Engine) courier.Result[*courier.FetchConfig] {
				return engine.DisableFetchConfig(ctx, userID)
			})
		},
	})
	cmd.AddCommand(setFetchConfigCmd())
	return cmd
}

func setFetchConfigCmd() *cobra.Command {
	var (
		auto      bool
		frequency string
		hour      int
		timezone  string
		limit     int
		active    bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the user's fetch settings; only the given flags are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u courier.ConfigUpdate
			flags := cmd.Flags()
			if flags.Changed("auto") {
				u.AutoFetchEnabled = &auto
			}
			if flags.Changed("frequency") {
				u.Frequency = &frequency
			}
			if flags.Changed("hour") {
				u.PreferredHour = &hour
			}
			if flags.Changed("timezone") {
				u.Timezone = &timezone
			}
			if flags.Changed("limit") {
				u.DailyLimit = &limit
			}
			if flags.Changed("active") {
				u.IsActive = &active
			}
			return withFetchConfig(func(ctx context.Context, engine *courier.Engine) courier.Result[*courier.FetchConfig] {
				return engine.UpdateFetchConfig(ctx, userID, u)
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "enable automatic fetching")
	cmd.Flags().StringVar(&frequency, "frequency", "", "daily, three_days or weekly")
	cmd.Flags().IntVar(&hour, "hour", 0, "preferred local hour (0-23)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone, e.g. Asia/Shanghai")
	cmd.Flags().IntVar(&limit, "limit", 0, "daily fetch limit")
	cmd.Flags().BoolVar(&active, "active", true, "whether the settings are active")
	return cmd
}

func withFetchConfig(fn func(context.Context, *courier.Engine) courier.Result[*courier.FetchConfig]) error {
	ctx := context.Background()
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	fc, err := unwrap(fn(ctx, engine))
	if err != nil {
		return err
	}
	return formatter.OutputConfig(fc)
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HTTP.AdminSecret == "" {
				return errors.New("http.admin_secret is not set (or set COURIER_ADMIN_SECRET)")
			}
			ctx := context.Background()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			token, err := engine.IssueAdminToken(ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultPath
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}
			if err := config.Write(configPath, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Created default config at %s\n", configPath)
			return nil
		},
	}
}
