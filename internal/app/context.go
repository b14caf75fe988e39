package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"boardline/internal/assistant"
	"boardline/internal/board"
	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/metrics"
	"boardline/internal/migrate"
	"boardline/internal/remote"
	"boardline/internal/repo"
)

var ErrTaskNotFound = errors.New("task not found on the loaded board")

// Remote is everything the dashboard asks of the planning service.
type Remote interface {
	board.Remote
	assistant.Remote
	ListProjects(ctx context.Context) ([]domain.Project, error)
	CreateProject(ctx context.Context, in domain.CreateProjectInput) (domain.Project, error)
	DeleteProject(ctx context.Context, id int64) error
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	// Remote overrides the HTTP client built from Config.
	Remote Remote
	// Metrics is optional; nil records nothing.
	Metrics *metrics.Recorder
	// Sinks receive every event in addition to the log and the journal.
	Sinks []events.Notifier
}

// App wires the board engine and the assistant sessions to one remote
// service, one event bus and, unless disabled, the local journal.
type App struct {
	Config    *config.Config
	Remote    Remote
	Bus       *events.Bus
	DB        *sql.DB
	Repo      repo.Repo
	Board     *board.Engine
	Assistant *assistant.Manager
	Logger    *slog.Logger
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rem := opts.Remote
	if rem == nil {
		rem = NewRemoteClient(cfg, logger)
	}

	bus := events.NewBus(events.LogSink{Logger: logger})
	a := &App{Config: cfg, Remote: rem, Bus: bus, Logger: logger}
	if !cfg.Journal.Disabled {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		a.DB = conn
		a.Repo = repo.Repo{DB: conn}
		bus.Add(events.Writer{DB: conn, Logger: logger})
	}
	for _, s := range opts.Sinks {
		bus.Add(s)
	}

	a.Board = board.New(board.Options{
		Remote:   rem,
		Notifier: bus,
		Metrics:  opts.Metrics,
		Logger:   logger.With("component", "board"),
	})
	a.Assistant = assistant.NewManager(assistant.Options{
		Remote:         rem,
		Notifier:       bus,
		Metrics:        opts.Metrics,
		Logger:         logger.With("component", "assistant"),
		GuidancePrompt: cfg.Assistant.GuidancePrompt,
	})
	return a, nil
}

// NewRemoteClient builds the HTTP client for the planning service. A JWT
// secret takes precedence over a static API key.
func NewRemoteClient(cfg *config.Config, logger *slog.Logger) *remote.Client {
	c := remote.New(cfg.API.BaseURL, cfg.Timeout())
	c.Logger = logger
	if secret := strings.TrimSpace(cfg.Auth.JWTSecret); secret != "" {
		c.Tokens = remote.NewTokenSource(secret, cfg.Auth.Subject)
	} else {
		c.APIKey = cfg.Auth.APIKey
	}
	return c
}

// TaskContext snapshots what the assistant needs about a task from the
// loaded board.
func (a *App) TaskContext(taskID int64) (assistant.TaskContext, error) {
	p, ok := a.Board.Store().Project()
	if !ok {
		return assistant.TaskContext{}, board.ErrNotLoaded
	}
	t, ok := p.TaskByID(taskID)
	if !ok {
		return assistant.TaskContext{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	return assistant.TaskContext{
		TaskID:      t.ID,
		ProjectID:   p.ID,
		Title:       t.Title,
		Description: t.Description,
		ProjectGoal: p.Goal,
	}, nil
}

// LoadBoard binds the board to projectID. Switching projects drops the
// assistant sessions of the previous one, even when the fetch fails.
func (a *App) LoadBoard(ctx context.Context, projectID int64) error {
	previous := a.Board.ProjectID()
	err := a.Board.Load(ctx, projectID)
	if previous != projectID {
		a.Assistant.Retain(projectID)
	}
	return err
}

// Session returns the assistant session for a task on the loaded board.
func (a *App) Session(taskID int64) (*assistant.Session, error) {
	if s, ok := a.Assistant.Lookup(taskID); ok {
		return s, nil
	}
	tc, err := a.TaskContext(taskID)
	if err != nil {
		return nil, err
	}
	return a.Assistant.Session(tc)
}

// Close discards pending results and releases the journal.
func (a *App) Close() error {
	a.Board.Close()
	a.Assistant.Close()
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
