package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/assistant"
	"boardline/internal/board"
	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/metrics"
	"boardline/internal/repo"
	"boardline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dash",
	Short: "Boardline project dashboard",
	Long: `Boardline drives a remote project planning service from the terminal.
- Board: a project's tasks in four columns (pending, in progress, completed, blocked). Moving a task
  updates it right away, asks the service to apply the change, then reloads the whole project so
  re-estimated deadlines and other server-side effects always show up.
- Assistant: one conversation per task. Opening it the first time asks for guidance on the task.
- Journal: every board and assistant notification is kept in .boardline/journal.db; read it with
  'dash log tail' or forward it to webhooks from 'dash serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-format"), viper.GetString("log-level")))
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
	viper.SetEnvPrefix("BOARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "", "planning service base URL (overrides config)")
	rootCmd.PersistentFlags().String("api-key", "", "planning service API key (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "api-url", "api-key", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(assistantCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage boardline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default boardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("api-url"))), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate boardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- projects ---

func projectsCmd() *cobra.Command {
	prj := &cobra.Command{Use: "projects", Short: "Manage projects on the planning service"}
	prj.AddCommand(projectsListCmd())
	prj.AddCommand(projectsCreateCmd())
	prj.AddCommand(projectsDeleteCmd())
	return prj
}

func projectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Remote.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Deadline", "Remaining days"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, stringOrEmpty(p.Deadline), p.RemainingDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectsCreateCmd() *cobra.Command {
	var in domain.CreateProjectInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(in.Title) == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Remote.CreateProject(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "project title")
	cmd.Flags().StringVar(&in.Goal, "goal", "", "project goal")
	cmd.Flags().StringVar(&in.Deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	return cmd
}

func projectsDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("deleting project %d cannot be undone; pass --yes to confirm", id)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Remote.DeleteProject(ctx, id)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// --- board ---

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Show and move tasks on a project board"}
	b.AddCommand(boardShowCmd())
	b.AddCommand(boardMoveCmd())
	return b
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withBoard(cmd.Context(), id, func(ctx context.Context, a *app.App) error {
				p, _ := a.Board.Store().Project()
				return printBoard(p)
			})
		},
	}
}

func boardMoveCmd() *cobra.Command {
	var to string
	var onto int64
	cmd := &cobra.Command{
		Use:   "move <project-id> <task-id>",
		Short: "Move a task to a column (--to) or onto another task's column (--onto)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0])
			if err != nil {
				return err
			}
			taskID, err := parseID(args[1])
			if err != nil {
				return err
			}
			var target board.DropTarget
			switch {
			case to != "" && onto != 0:
				return fmt.Errorf("use either --to or --onto")
			case to != "":
				status, err := domain.ParseTaskStatus(to)
				if err != nil {
					return err
				}
				target = board.Column(status)
			case onto != 0:
				target = board.OntoTask(onto)
			default:
				return fmt.Errorf("--to or --onto required")
			}
			return withBoard(cmd.Context(), projectID, func(ctx context.Context, a *app.App) error {
				res, err := a.Board.ApplyDrop(ctx, taskID, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Noop:
					fmt.Printf("task %d unchanged\n", taskID)
				default:
					fmt.Printf("task %d: %s -> %s\n", taskID, res.From, res.To)
				}
				if res.Timeline != nil {
					fmt.Printf("\nTimeline adjusted\n%s\n\n", res.Timeline.Notice())
				}
				p, _ := a.Board.Store().Project()
				return printBoard(p)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target column: pending, in_progress, completed, blocked")
	cmd.Flags().Int64Var(&onto, "onto", 0, "id of the task to drop onto")
	return cmd
}

func printBoard(p domain.Project) error {
	cols := board.Group(p)
	if viper.GetBool("json") {
		return printJSON(map[string]any{"project": p, "columns": cols})
	}
	fmt.Printf("%s (%s)\n", p.Title, p.Status)
	if p.Goal != "" {
		fmt.Println(p.Goal)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Column", "ID", "Title", "Est. days"})
	for _, col := range cols {
		if len(col.Tasks) == 0 {
			tw.AppendRow(table.Row{col.Label, "", "", ""})
		}
		for _, t := range col.Tasks {
			tw.AppendRow(table.Row{col.Label, t.ID, t.Title, t.EstimatedDays})
		}
		tw.AppendSeparator()
	}
	tw.AppendFooter(table.Row{"", "", "Remaining days", p.RemainingDays})
	tw.Render()
	return nil
}

// --- assistant ---

func assistantCmd() *cobra.Command {
	as := &cobra.Command{Use: "assistant", Short: "Talk to the task assistant"}
	as.AddCommand(assistantOpenCmd())
	as.AddCommand(assistantSendCmd())
	as.AddCommand(assistantClearCmd())
	return as
}

func assistantOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <project-id> <task-id>",
		Short: "Open a task conversation, asking for guidance when it is new",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args, func(ctx context.Context, s *assistant.Session) error {
				if err := s.Open(ctx); err != nil {
					return err
				}
				return printConversation(s)
			})
		},
	}
}

func assistantSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <project-id> <task-id> <message...>",
		Short: "Send a message to the task assistant",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[2:], " ")
			return withSession(cmd.Context(), args[:2], func(ctx context.Context, s *assistant.Session) error {
				if err := s.Send(ctx, text); err != nil {
					return err
				}
				return printConversation(s)
			})
		},
	}
}

func assistantClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <project-id> <task-id>",
		Short: "Delete a task conversation and start over",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("clearing deletes the whole conversation; pass --yes to confirm")
			}
			return withSession(cmd.Context(), args, func(ctx context.Context, s *assistant.Session) error {
				if err := s.Clear(ctx); err != nil {
					return err
				}
				return printConversation(s)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing")
	return cmd
}

func printConversation(s *assistant.Session) error {
	st := s.State()
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("Task %d: %s\n\n", s.Task().TaskID, s.Task().Title)
	for _, m := range st.Messages {
		fmt.Printf("[%s] %s\n\n", m.Role, m.Content)
	}
	return nil
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the local notification journal"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.DB == nil {
					return fmt.Errorf("the journal is disabled in %s", config.FileName)
				}
				events, err := a.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, fmt.Sprintf("%s:%d", e.EntityKind, e.EntityID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().Int64Var(&f.EntityID, "entity-id", 0, "entity id")
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			metricsHandler, err := metrics.InitMeterProvider(ctx, "boardline")
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			rec, err := metrics.NewRecorder(metrics.Meter())
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			logger := slog.Default()
			a, err := app.New(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Logger:    logger,
				Metrics:   rec,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB != nil && len(cfg.Webhooks) > 0 {
				go server.NewWebhookDispatcher(a.Repo, cfg.Webhooks, logger).Run(ctx)
			}
			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: logger},
				Metrics:  metricsHandler,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Boardline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

// loadConfig reads boardline.yml, falling back to defaults, and applies
// flag and BOARDLINE_* overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(viper.GetString("api-url")); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(viper.GetString("api-key")); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := strings.TrimSpace(viper.GetString("jwt-secret")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(viper.GetString("server-jwt-secret")); v != "" {
		cfg.Server.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withBoard(ctx context.Context, projectID int64, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if err := a.LoadBoard(ctx, projectID); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func withSession(ctx context.Context, args []string, fn func(context.Context, *assistant.Session) error) error {
	projectID, err := parseID(args[0])
	if err != nil {
		return err
	}
	taskID, err := parseID(args[1])
	if err != nil {
		return err
	}
	return withBoard(ctx, projectID, func(ctx context.Context, a *app.App) error {
		s, err := a.Session(taskID)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
