// Package repo opens a graft repository and wires its services: the
// database, the logical clock, the branch registry, the revision and commit
// stores, the operation lock manager and the merge engine.
package repo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/graftdb/graft/internal/branch"
	"github.com/graftdb/graft/internal/clock"
	"github.com/graftdb/graft/internal/commitlog"
	"github.com/graftdb/graft/internal/config"
	"github.com/graftdb/graft/internal/merge"
	"github.com/graftdb/graft/internal/oplock"
	"github.com/graftdb/graft/internal/revision"
	"github.com/graftdb/graft/internal/storage"
)

const dbFile = "graft.db"

// Repository is an open graft repository.
type Repository struct {
	Root   string
	Config *config.Config
	Log    *slog.Logger

	DB        *storage.DB
	Clock     clock.Source
	Branches  *branch.Registry
	Revisions revision.Store
	Commits   commitlog.Store
	Locks     *oplock.Manager
	Merges    *merge.Engine
}

// Init creates a new repository at root.
func Init(root string) error {
	dir := filepath.Join(root, config.RepoDir)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("repository already exists at %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if err := config.SaveRepo(root, cfg); err != nil {
		return err
	}
	r, err := Open(root)
	if err != nil {
		return err
	}
	return r.Close()
}

// Open opens the repository at root and wires all services. Opening also
// makes sure the MAIN branch exists.
func Open(root string) (*Repository, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Core.LogLevel)

	db, err := storage.Open(filepath.Join(root, config.RepoDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open repository database: %w", err)
	}

	clk := clock.New()
	branches, err := branch.NewRegistry(branch.NewBoltStore(db), clk, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	revisions := revision.NewBoltStore(db)
	commits := commitlog.NewBoltStore(db)
	locks := oplock.NewManager()

	return &Repository{
		Root:      root,
		Config:    cfg,
		Log:       log,
		DB:        db,
		Clock:     clk,
		Branches:  branches,
		Revisions: revisions,
		Commits:   commits,
		Locks:     locks,
		Merges:    merge.NewEngine(cfg.Core.RepositoryID, branches, revisions, commits, clk, locks, log),
	}, nil
}

// Close releases all locks and closes the database.
func (r *Repository) Close() error {
	r.Locks.Dispose()
	return r.DB.Close()
}

// Find walks up from start looking for a repository root.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, config.RepoDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a graft repository (no %s directory found)", config.RepoDir)
		}
		dir = parent
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
