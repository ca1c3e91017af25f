// Package server exposes the build orchestrator over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/buildsmith/buildsmith/engine/backup"
	"github.com/buildsmith/buildsmith/engine/build"
	"github.com/buildsmith/buildsmith/engine/infra/sqlite"
	"github.com/buildsmith/buildsmith/engine/logstream"
	"github.com/buildsmith/buildsmith/engine/notify"
	"github.com/buildsmith/buildsmith/engine/platform"
	"github.com/buildsmith/buildsmith/engine/queue"
	"github.com/buildsmith/buildsmith/engine/taskmgr"
	"github.com/buildsmith/buildsmith/pkg/config"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// defaultDBFile is used when the configuration names no sqlite location.
const defaultDBFile = "buildsmith.db"

type Config struct {
	Host       string
	Port       int
	ConfigFile string
}

func (c *Config) FullAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Server struct {
	Config *Config
	router *gin.Engine
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Config: &cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) buildRouter(state *State) error {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger.GetDefault()))
	r.Use(CORSMiddleware())
	if err := RegisterRoutes(r, state); err != nil {
		return err
	}
	s.router = r
	return nil
}

func (s *Server) Run() error {
	state, cleanupFuncs, err := s.setupDependencies()
	if err != nil {
		s.cleanup(cleanupFuncs)
		return err
	}
	defer s.cleanup(cleanupFuncs)

	if err := s.buildRouter(state); err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	return s.startAndRunServer()
}

func (s *Server) setupDependencies() (*State, []func(), error) {
	var cleanupFuncs []func()

	appCfg, err := config.Load(s.Config.ConfigFile)
	if err != nil {
		return nil, cleanupFuncs, fmt.Errorf("failed to load config: %w", err)
	}
	appCfg.PrimeEnv()

	dbPath := appCfg.DBPath()
	if dbPath == "" {
		dbPath = defaultDBFile
		logger.Warn("no db path configured, using local file", "path", dbPath)
	}
	store, err := sqlite.NewStore(s.ctx, dbPath)
	if err != nil {
		return nil, cleanupFuncs, fmt.Errorf("failed to open store: %w", err)
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		store.Close()
	})
	if err := sqlite.ApplyMigrations(s.ctx, store.DB()); err != nil {
		return nil, cleanupFuncs, fmt.Errorf("failed to migrate store: %w", err)
	}
	repo := sqlite.NewTaskRepo(store)

	// Tasks left running by a previous process can never resume.
	orphaned, err := repo.ResetOrphaned(s.ctx)
	if err != nil {
		return nil, cleanupFuncs, fmt.Errorf("failed to reset orphaned tasks: %w", err)
	}
	if orphaned > 0 {
		logger.Info("failed orphaned tasks from previous run", "count", orphaned)
	}

	backupRoot, err := appCfg.BackupRoot()
	if err != nil {
		backupRoot = "backup"
		logger.Warn("no backup path configured, using local directory", "path", backupRoot)
	}

	plat := platform.Current()
	broker := logstream.NewBroker()
	mgr := taskmgr.NewManager(taskmgr.DefaultMaxConcurrent)
	git := build.ExecGit{}
	executor := build.NewExecutor(
		repo,
		broker,
		appCfg,
		plat,
		build.NewExecRunner(plat),
		git,
		backup.NewManager(backupRoot),
	)
	ctrl := queue.NewController(repo, executor, mgr, notify.NewMailer(appCfg.Email))
	ctrl.Start(s.ctx)
	cleanupFuncs = append(cleanupFuncs, func() {
		ctrl.Stop()
	})

	state := &State{
		Cfg:        appCfg,
		Repo:       repo,
		Broker:     broker,
		Queue:      ctrl,
		Git:        git,
		BackupRoot: backupRoot,
	}
	return state, cleanupFuncs, nil
}

func (s *Server) cleanup(cleanupFuncs []func()) {
	for i := len(cleanupFuncs) - 1; i >= 0; i-- {
		cleanupFuncs[i]()
	}
}

func (s *Server) startAndRunServer() error {
	srv := s.createHTTPServer()

	go s.startServer(srv)

	return s.handleGracefulShutdown(srv)
}

func (s *Server) createHTTPServer() *http.Server {
	addr := s.Config.FullAddress()
	logger.Info("Starting HTTP server",
		"address", fmt.Sprintf("http://%s", addr),
	)
	// No write timeout: /download streams multi-gigabyte installers and the
	// websocket log stream stays open for the length of a build.
	return &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

func (s *Server) startServer(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed to start",
			"error", err,
		)
		os.Exit(1)
	}
}

func (s *Server) handleGracefulShutdown(srv *http.Server) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Debug("Received shutdown signal, initiating graceful shutdown")

	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Server shutdown completed successfully")
	return nil
}
