package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AutoHolds/internal/app"
	"AutoHolds/internal/config"
	"AutoHolds/internal/infrastructure/report"
	"AutoHolds/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "autoholds",
	Short: "Place holds on new catalog items for registered patrons",
	Long: `AutoHolds polls the Sierra catalog for newly created bibliographic records,
matches each one against patrons' standing registrations (author, format and
language) and places holds on their behalf. Every run, item and hold attempt
is recorded with its own log, and the next run resumes after the last item
recorded.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTOHOLDS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(registrationsCmd())
	rootCmd.AddCommand(migrateCmd())
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one synchronization pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.Application) error {
				run, runErr := a.Run(ctx)
				if run != nil {
					if viper.GetBool("json") {
						if err := printJSON(run); err != nil {
							return err
						}
					} else {
						full, err := a.Store().GetRun(ctx, run.ID)
						if err != nil {
							return err
						}
						report.Run(os.Stdout, full)
					}
				}
				return runErr
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the engine on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, true, func(ctx context.Context, a *app.Application) error {
				return a.Watch(ctx)
			})
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Show where the next run will resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				wm, err := a.Checkpoint(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wm)
				}
				report.Watermark(os.Stdout, wm)
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect past runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var limit uint64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				items, err := a.Store().ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				report.Runs(os.Stdout, items)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&limit, "limit", 20, "maximum number of runs (0 for all)")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its items, hold attempts and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				run, err := a.Store().GetRun(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				report.Run(os.Stdout, run)
				return nil
			})
		},
	}
}

func registrationsCmd() *cobra.Command {
	regs := &cobra.Command{Use: "registrations", Short: "Inspect and prune registrations"}
	regs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registrations in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				items, err := a.Store().ListRegistrations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				report.Registrations(os.Stdout, items)
				return nil
			})
		},
	})
	regs.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a registration from its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid registration id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				if err := a.Store().DeleteRegistration(ctx, id); err != nil {
					return err
				}
				fmt.Printf("registration %d removed\n", id)
				return nil
			})
		},
	})
	return regs
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.Application) error {
				fmt.Println("database is up to date")
				return nil
			})
		},
	}
}

// withApp loads configuration, opens and migrates the store and hands the
// application to fn. Commands that talk to Sierra pass validate=true.
func withApp(ctx context.Context, validate bool, fn func(context.Context, *app.Application) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	if validate {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logging.New(cfg.Logging.Level)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Migrate(); err != nil {
		return err
	}
	return fn(ctx, a)
}

func loadConfig() config.Config {
	var cfg config.Config
	if path := viper.GetString("config"); path != "" {
		cfg = config.LoadFile(path)
	} else {
		cfg = config.Load()
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
