package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"helpflow/internal/app"
	"helpflow/internal/assignment"
	"helpflow/internal/backend"
	"helpflow/internal/completion"
	"helpflow/internal/config"
	"helpflow/internal/db"
	"helpflow/internal/domain"
	"helpflow/internal/engine"
	"helpflow/internal/events"
	"helpflow/internal/metrics"
	"helpflow/internal/migrate"
	"helpflow/internal/repo"
	"helpflow/internal/server"
	"helpflow/internal/taskgraph"
)

var fs = afero.NewOsFs()

var rootCmd = &cobra.Command{
	Use:   "helpflow",
	Short: "Help request template approval and task assignment",
	Long: `helpflow runs the approval workflow of charity help requests.
- Review: an operator approves or rejects the request.
- Documents: supporting documents are submitted with the decision.
- Template: an approved request picks a project template from the catalog, or asks for a new one.
- Assignment: every task of the template gets a staff member, an optional deadline in days and notes.
- Finalize: a fully assigned template is verified with the charity backend.
Progress is kept per request in the workspace database until verification.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HELPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(assignmentsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(dbCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage helpflow.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default helpflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			exists, err := afero.Exists(fs, path)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%s already exists", path)
			}
			if err := afero.WriteFile(fs, path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *c
			if redacted.Backend.Token != "" {
				redacted.Backend.Token = "***"
			}
			if redacted.Server.JWTSecret != "" {
				redacted.Server.JWTSecret = "***"
			}
			if redacted.Webhooks.Secret != "" {
				redacted.Webhooks.Secret = "***"
			}
			return printJSON(redacted)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate helpflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(fs, viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// loadConfig reads helpflow.yml when present and applies HELPFLOW_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(fs, viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("backend-url"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := viper.GetString("backend-token"); v != "" {
		cfg.Backend.Token = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := slog.Default()

			rec := metrics.New()
			sinks := events.Multi{rec}
			workspace := cfg.Storage.Workspace
			if !filepath.IsAbs(workspace) {
				workspace = filepath.Join(viper.GetString("workspace"), workspace)
			}
			conn, err := openDB(ctx, workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			store := repo.Repo{DB: conn}
			sinks = append(sinks, events.Writer{DB: conn})

			client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token)
			if cfg.Backend.Timeout > 0 {
				client.Timeout = cfg.Backend.Timeout
				client.HTTPClient = &http.Client{Timeout: cfg.Backend.Timeout}
			}
			sessions := &app.Sessions{
				Store:      assignment.New(store, logger),
				Catalog:    client,
				Staff:      client.Staff(),
				Documents:  client,
				Events:     sinks,
				Hooks:      logHooks(logger),
				Logger:     logger,
				PageSize:   cfg.Workflow.CatalogPageSize,
				Lang:       cfg.Workflow.Lang,
				RejectNote: cfg.Workflow.RejectNote,
			}
			srvCfg := server.Config{
				Sessions: sessions,
				Repo:     &store,
				BasePath: basePath,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Server.JWTSecret,
					JWTIssuer:              cfg.Server.JWTIssuer,
					AllowLegacyActorHeader: cfg.Server.LegacyActorHeader,
					Logger:                 logger,
				},
			}
			if cfg.Server.Metrics {
				srvCfg.Metrics = rec
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, store, server.WebhookConfig{
				URLs:     cfg.Webhooks.URLs,
				Events:   cfg.Webhooks.Events,
				Secret:   cfg.Webhooks.Secret,
				Interval: cfg.Webhooks.Interval,
				Logger:   logger,
			})

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving helpflow API", "addr", cfg.Server.Addr, "base_path", basePath, "storage", cfg.Storage.Driver, "backend", cfg.Backend.BaseURL)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("backend-url", "", "charity backend base URL (overrides backend.base_url)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("backend-url", cmd.Flags().Lookup("backend-url"))
	return cmd
}

func logHooks(logger *slog.Logger) engine.Hooks {
	return engine.Hooks{
		OnApprove: func(requestID string) {
			logger.Info("template approved", "request_id", requestID)
		},
		OnReject: func(requestID string) {
			logger.Info("request rejected", "request_id", requestID)
		},
		OnVerificationComplete: func(requestID string) {
			logger.Info("verification complete", "request_id", requestID)
		},
		OnPhaseStatus: func(requestID string, ps domain.PhaseState) {
			logger.Debug("phase status", "request_id", requestID, "phase_id", ps.PhaseID, "status", ps.Status)
		},
	}
}

func requestsCmd() *cobra.Command {
	req := &cobra.Command{Use: "requests", Short: "Inspect persisted help requests"}
	req.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List requests with persisted progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ids, err := r.RequestIDs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				store := assignment.New(r, nil)
				tw := newTable()
				tw.AppendHeader(table.Row{"Request", "Template", "Assigned", "Tasks"})
				for _, id := range ids {
					tpl, ok := store.LoadTemplate(ctx, id)
					if !ok {
						tw.AppendRow(table.Row{id, "-", len(store.Load(ctx, id)), "-"})
						continue
					}
					res := completion.Validate(tpl, store.Snapshot(ctx, id))
					tw.AppendRow(table.Row{id, tpl.Title, res.AssignedTasks, res.TotalTasks})
				}
				tw.Render()
				return nil
			})
		},
	})
	return req
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect a request's workflow"}
	wf.AddCommand(&cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the confirmed template with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if !app.ValidRequestID(args[0]) {
					return app.ErrInvalidRequestID
				}
				eng := engine.New(args[0], engine.Deps{Store: assignment.New(r, nil)})
				state, err := eng.Resume(ctx)
				if err != nil {
					return err
				}
				tpl, ok := eng.Template()
				if viper.GetBool("json") {
					out := map[string]any{"state": state}
					if ok {
						out["template"] = tpl
						out["assignments"] = eng.Store.Load(ctx, args[0])
					}
					return printJSON(out)
				}
				fmt.Printf("stage: %s\n", state.CurrentStage)
				if !ok {
					fmt.Println("no template confirmed")
					return nil
				}
				printTemplate(tpl, eng.Store.Snapshot(ctx, args[0]))
				return nil
			})
		},
	})
	return wf
}

func assignmentsCmd() *cobra.Command {
	as := &cobra.Command{Use: "assignments", Short: "Manage persisted assignments"}
	as.AddCommand(&cobra.Command{
		Use:   "list <request-id>",
		Short: "List assignments of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records := assignment.New(r, nil).Load(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Staff", "Deadline (days)", "Notes"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.TaskID, staffCell(rec), intCell(rec.DeadlineDays), stringCell(rec.Notes)})
				}
				tw.Render()
				return nil
			})
		},
	})
	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear <request-id>",
		Short: "Drop a request's assignments, or everything with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				store := assignment.New(r, nil)
				if all {
					return store.Clear(ctx, args[0])
				}
				return store.ClearAssignments(ctx, args[0])
			})
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "also drop the confirmed template")
	as.AddCommand(clearCmd)
	return as
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <request-id>",
		Short: "Report whether a request can be finalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				store := assignment.New(r, nil)
				tpl, ok := store.LoadTemplate(ctx, args[0])
				if !ok {
					return engine.ErrNoTemplate
				}
				res := completion.Validate(tpl, store.Snapshot(ctx, args[0]))
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%d/%d tasks assigned\n", res.AssignedTasks, res.TotalTasks)
				return completion.CheckFinalize(res)
			})
		},
	}
}

func templateCmd() *cobra.Command {
	tc := &cobra.Command{Use: "template", Short: "Work with template files"}
	tc.AddCommand(&cobra.Command{
		Use:   "inspect <file.json>",
		Short: "Print a template's phases, badges and cross-phase references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := afero.ReadFile(fs, args[0])
			if err != nil {
				return err
			}
			var tpl domain.Template
			if err := json.Unmarshal(data, &tpl); err != nil {
				return fmt.Errorf("parse template: %w", err)
			}
			tpl.Phases = taskgraph.Positions(tpl)
			refs := taskgraph.CrossPhaseRefs(tpl)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"template": tpl, "cross_phase_refs": refs})
			}
			printTemplate(tpl, nil)
			if len(refs) > 0 {
				tw := newTable()
				tw.SetTitle("Relations without a badge")
				tw.AppendHeader(table.Row{"Task", "Kind", "Target", "Exists"})
				for _, ref := range refs {
					tw.AppendRow(table.Row{ref.TaskID, ref.Kind, ref.TargetID, ref.Known})
				}
				tw.Render()
			}
			return nil
		},
	})
	return tc
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var requestID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, requestID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Request", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RequestID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&requestID, "request", "", "request id filter")
	lc.AddCommand(tail)
	return lc
}

func tokenCmd() *cobra.Command {
	tc := &cobra.Command{Use: "token", Short: "Operator tokens"}
	var actorID string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an operator token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, actorID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&actorID, "actor", "", "operator id (token subject)")
	issue.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime; 0 never expires")
	_ = issue.MarkFlagRequired("actor")
	tc.AddCommand(issue)
	return tc
}

func dbCmd() *cobra.Command {
	dc := &cobra.Command{Use: "db", Short: "Workspace database"}
	dc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, latest, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(workspace), "applied": applied, "latest": latest})
			}
			fmt.Printf("%s: schema %d/%d\n", db.Path(workspace), applied, latest)
			return nil
		},
	})
	dc.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return conn.Close()
		},
	})
	return dc
}

// --- helpers ---

func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	exists, err := afero.Exists(fs, path)
	if err != nil || !exists {
		return err
	}
	return godotenv.Load(path)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func openDB(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printTemplate(tpl domain.Template, snap map[string]domain.AssignmentRecord) {
	idx := taskgraph.NewIndex(tpl)
	fmt.Printf("%s (%s)\n", tpl.Title, tpl.ID)
	for _, p := range tpl.Phases {
		tw := newTable()
		tw.SetTitle(fmt.Sprintf("%d. %s", p.Position, p.Name))
		tw.AppendHeader(table.Row{"#", "Task", "Prerequisites", "Corequisites", "Staff", "Deadline"})
		for i, t := range p.Tasks {
			labels := idx.Labels(t.ID)
			row := table.Row{i + 1, t.Title, joinInts(labels.Prerequisites), joinInts(labels.Corequisites), "", ""}
			if rec, ok := snap[t.ID]; ok {
				row[4] = staffCell(rec)
				row[5] = intCell(rec.DeadlineDays)
			}
			tw.AppendRow(row)
		}
		tw.Render()
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func staffCell(rec domain.AssignmentRecord) string {
	if rec.StaffLabel != "" {
		return rec.StaffLabel
	}
	return rec.StaffID
}

func intCell(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func stringCell(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func joinInts(in []int) string {
	parts := make([]string, len(in))
	for i, n := range in {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
