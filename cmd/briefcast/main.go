package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"briefcast/internal/app"
	"briefcast/internal/config"
	"briefcast/internal/db"
	"briefcast/internal/domain"
	"briefcast/internal/engine"
	"briefcast/internal/engine/auth"
	"briefcast/internal/migrate"
	"briefcast/internal/repo"
	"briefcast/internal/server"
	briefcastsdk "briefcast/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "briefcast",
	Short: "Briefcast content pipeline",
	Long: `Briefcast turns raw daily material into narrated audio briefings in three stages:
- shape: clean the source material into plain content (ready_for_stage1 -> ready_for_stage2).
- narrate: write a spoken script per narration variant; shared records fan out into one record per variant (ready_for_stage2 -> ready_for_stage3).
- synthesize: render the script to audio and store it (ready_for_stage3 -> complete).
Each stage runs in batches, either on demand ('briefcast run <stage>'), on a schedule, or through the HTTP workers ('briefcast serve').
Failed records keep their error and can be put back with 'briefcast records reset'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return config.LoadDotEnv()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BRIEFCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/briefcast.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(housekeepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP workers, the scheduler and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:       a.Engine,
					Monitor:      a.Monitor,
					Metrics:      a.Metrics,
					BasePath:     basePath,
					BatchTimeout: a.Config.Server.BatchTimeout.Std(),
					Auth:         server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Logger: a.Logger},
					Logger:       a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if !noSchedule {
					sched := server.NewScheduler(a.Engine, a.Config.Server.Schedule, a.Logger)
					g.Go(func() error { return sched.Run(ctx) })
				}
				if len(a.Config.Webhooks) > 0 {
					hooks := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger, a.Metrics)
					g.Go(func() error {
						hooks.Run(ctx)
						return nil
					})
				}
				fmt.Printf("Serving Briefcast on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve HTTP only; do not run scheduled batches")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <stage>",
		Short:     "Run one batch of a stage in-process",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := domain.LookupStage(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RunBatch(ctx, def.Stage)
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	return cmd
}

func triggerCmd() *cobra.Command {
	var baseURL, basePath, token string
	cmd := &cobra.Command{
		Use:   "trigger <stage>",
		Short: "Trigger a stage batch on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := briefcastsdk.New(baseURL)
			client.BasePath = basePath
			client.BearerToken = token
			if client.BearerToken == "" {
				client.BearerToken = viper.GetString("token")
			}
			res, err := client.RunStage(cmd.Context(), args[0])
			if res.Errors != nil || err == nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $BRIEFCAST_TOKEN)")
	return cmd
}

func recordsCmd() *cobra.Command {
	rec := &cobra.Command{Use: "records", Short: "Inspect and manage content records"}
	rec.AddCommand(recordsListCmd())
	rec.AddCommand(recordsShowCmd())
	rec.AddCommand(recordsAddCmd())
	rec.AddCommand(recordsResetCmd())
	rec.AddCommand(recordsStuckCmd())
	rec.AddCommand(recordsLineageCmd())
	return rec
}

func recordsListCmd() *cobra.Command {
	var status, category string
	var f repo.RecordFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			if category != "" {
				c, err := domain.ParseCategory(category)
				if err != nil {
					return err
				}
				f.Category = c
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printRecords(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.TargetDate, "date", "", "target date filter (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.LineageID, "lineage", "", "lineage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum records")
	return cmd
}

func recordsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Repo.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func recordsAddCmd() *cobra.Command {
	var in engine.NewRecord
	var source string
	var priority int
	var params []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a record",
		Long:  "Enqueue a record. With --content it starts at narration; otherwise --source is shaped first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			if source != "" {
				parsed["source"] = source
			}
			in.Parameters = parsed
			if cmd.Flags().Changed("priority") {
				in.Priority = &priority
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Enqueue(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Enqueued %s (%s)\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "record id (default random)")
	cmd.Flags().StringVar(&in.Category, "category", "", "category (news, weather, markets, sports, holidays, quote)")
	cmd.Flags().StringVar(&in.TargetDate, "date", time.Now().Format(time.DateOnly), "target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.OwnerID, "owner", "", "owner id; empty makes a shared record")
	cmd.Flags().StringVar(&in.Variant, "variant", "", "narration variant for owner records")
	cmd.Flags().StringVar(&in.Content, "content", "", "already shaped content")
	cmd.Flags().StringVar(&source, "source", "", "raw source material")
	cmd.Flags().StringVar(&in.ExpiresAt, "expires-at", "", "expiry timestamp (RFC3339)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra parameter key=value (repeatable)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func recordsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a failed or stuck record to its stage input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Reset(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Reset %s to %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
}

func recordsStuckCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List records left in progress longer than pipeline.stuck_after",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Stuck(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printRecords(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

func recordsLineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <id>",
		Short: "Show the records narrated from one source record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.Lineage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Lineage %s: %s (%d variants ready)\n", view.LineageID, view.Outcome, len(view.VariantsReady))
				printRecords(view.Records)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline counts, stuck records and the recent failure rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Monitor.Snapshot(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Waiting", "In progress", "Failed"})
				for _, s := range snap.Stages {
					tw.AppendRow(table.Row{s.Stage, s.Waiting, s.InProgress, s.Failed})
				}
				tw.AppendFooter(table.Row{"complete", snap.Counts[string(domain.StatusComplete)], "", ""})
				tw.Render()
				fmt.Printf("Last %s: %d succeeded, %d failed (failure rate %.1f%%)\n", snap.Window, snap.Succeeded, snap.Failed, snap.FailureRate*100)
				for _, alert := range snap.Alerts {
					fmt.Println("ALERT:", alert)
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the pipeline event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Status", "Record", "Message"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.EventType, e.Status, e.RecordID, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type, or a prefix ending in *")
	cmd.Flags().StringVar(&f.RecordID, "record", "", "record id")
	return cmd
}

func housekeepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Expire records past their expires_at",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ExpireStale(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("Expired %d records\n", n)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.Issue(cfg.Server.JWTSecret, subject, perms, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{auth.PermAll}, fmt.Sprintf("granted permissions (%s, or *)", strings.Join(auth.Permissions(), ", ")))
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{
				Driver:       cfg.Database.Driver,
				DSN:          cfg.Database.DSN,
				Workspace:    cfg.Database.Workspace,
				MaxOpenConns: cfg.Database.MaxOpenConns,
			}, nil)
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(conn, dialect)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d (%s)\n", version, dialect)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration comes from defaults, then briefcast.yaml (or briefcast.toml) in the workspace, then BRIEFCAST_* environment variables and .env files.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(maskSecrets(*cfg))
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter briefcast.yaml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	}
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(appOptions())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Build(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func stageNames() []string {
	var out []string
	for _, def := range domain.Stages() {
		out = append(out, string(def.Stage))
	}
	return out
}

func parseParams(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q; expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func maskSecrets(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cfg.LLM.APIKey)
	mask(&cfg.TTS.APIKey)
	mask(&cfg.Storage.SecretKey)
	mask(&cfg.Server.JWTSecret)
	hooks := make([]config.WebhookConfig, len(cfg.Webhooks))
	copy(hooks, cfg.Webhooks)
	for i := range hooks {
		mask(&hooks[i].Secret)
	}
	cfg.Webhooks = hooks
	return cfg
}

func printRecords(items []domain.ContentRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Category", "Date", "Variant", "Status", "Retries", "Updated"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Category, r.TargetDate, r.VariantOrEmpty(), r.Status, r.RetryCount, r.UpdatedAt})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
