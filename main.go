package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsweep/internal/auth"
	"mailsweep/internal/cache"
	"mailsweep/internal/config"
	"mailsweep/internal/events"
	"mailsweep/internal/mail"
	"mailsweep/internal/observability"
	"mailsweep/internal/providers/gmail"
	"mailsweep/internal/providers/outlook"
	"mailsweep/internal/quota"
	"mailsweep/internal/scheduler"
	"mailsweep/internal/store"
)

type server struct {
	cfg     *config.Config
	log     *slog.Logger
	lister  *mail.Lister
	deleter *mail.Deleter
	cache   *cache.IDCache
	manager *scheduler.Manager
}

func main() {
	log := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	api, err := buildAPI(ctx, cfg)
	if err != nil {
		return err
	}

	gov := quota.NewGovernor(quota.Config{
		MinBackoff:     cfg.MinBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxRetries:     cfg.MaxRetries,
		RequestSpacing: cfg.RequestSpacing,
		PageDelay:      cfg.PageDelay,
		BatchDelay:     cfg.BatchDelay,
		ItemDelay:      cfg.ItemDelay,
	})
	lister := mail.NewLister(api, gov, log)
	deleter := mail.NewDeleter(api, gov, cfg.BatchSize, log)

	st, err := store.Open(filepath.Join(cfg.DataDir, "mailsweep.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	idCache, err := cache.Open(filepath.Join(cfg.DataDir, "ids.db"))
	if err != nil {
		return err
	}
	defer idCache.Close()

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		go events.NewDispatcher(st, pub, log).Run(ctx)
	} else {
		log.Warn("NATS URL not set, run events stay queued in the outbox")
	}

	job := scheduler.NewJob(lister, deleter, st, idCache, log)
	manager, err := scheduler.NewManager(ctx, job, st, store.SchedulerConfig{
		Categories:   cfg.Categories,
		LookbackDays: cfg.LookbackDays,
		CronSpec:     cfg.CronSpec,
	}, log)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	s := &server{
		cfg:     cfg,
		log:     log,
		lister:  lister,
		deleter: deleter,
		cache:   idCache,
		manager: manager,
	}

	router, err := s.routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildAPI(ctx context.Context, cfg *config.Config) (mail.API, error) {
	switch cfg.Provider {
	case "outlook":
		return outlook.New(ctx, cfg.OutlookToken, cfg.OutlookUser)
	default:
		client, err := auth.NewGmailClient(ctx, cfg.CredentialsFile, cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, client)
	}
}

func (s *server) routes() (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := r.Group("/")
	if s.cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(s.cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		protected.Use(verifier.Middleware())
	} else {
		s.log.Warn("JWKS URL not set, API endpoints are unauthenticated")
	}

	protected.POST("/fetch/:category", s.handleFetch)
	protected.POST("/delete/:category", s.handleDelete)
	protected.GET("/cache", s.handleCache)
	protected.GET("/scheduler/status", s.handleSchedulerStatus)
	protected.PUT("/scheduler/config", s.handleSchedulerConfig)
	protected.POST("/scheduler/run", s.handleSchedulerRun)

	return r, nil
}

// handleFetch lists matching ids for a category and caches them for a later
// delete call. Query params start and end are dates (2006-01-02); the
// configured lookback window applies when they are omitted.
func (s *server) handleFetch(c *gin.Context) {
	category, err := mail.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -s.cfg.LookbackDays)
	if v := c.Query("start"); v != "" {
		if start, err = time.Parse("2006-01-02", v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start date"})
			return
		}
	}
	if v := c.Query("end"); v != "" {
		if end, err = time.Parse("2006-01-02", v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end date"})
			return
		}
	}

	if err := s.manager.Acquire(string(category)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	defer s.manager.Release(string(category))

	ids, err := s.lister.Fetch(c.Request.Context(), mail.Query{Category: category, Start: start, End: end})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := s.cache.Put(string(category), ids); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"category": category, "count": len(ids)})
}

// handleDelete deletes the cached ids for a category. With dry_run=true it
// only reports what would be deleted.
func (s *server) handleDelete(c *gin.Context) {
	category, err := mail.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dryRun := c.Query("dry_run") == "true"

	if err := s.manager.Acquire(string(category)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	defer s.manager.Release(string(category))

	ids, err := s.cache.Get(string(category))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(ids) == 0 {
		c.JSON(http.StatusOK, gin.H{"category": category, "deleted": 0, "detail": "no cached ids, fetch first"})
		return
	}
	if dryRun {
		c.JSON(http.StatusOK, gin.H{"category": category, "dry_run": true, "would_delete": len(ids)})
		return
	}

	result, err := s.deleter.DeleteAll(c.Request.Context(), ids)
	observability.MessagesDeleted.WithLabelValues(string(category)).Add(float64(result.Deleted))
	observability.MessagesFailed.WithLabelValues(string(category)).Add(float64(len(result.Errors)))

	remaining := append([]string(nil), result.Unreached...)
	for _, ie := range result.Errors {
		remaining = append(remaining, ie.ID)
	}
	var cacheErr error
	if len(remaining) == 0 {
		cacheErr = s.cache.Clear(string(category))
	} else {
		cacheErr = s.cache.Put(string(category), remaining)
	}
	if cacheErr != nil {
		s.log.Warn("update cache", "category", category, "error", cacheErr)
	}

	resp := gin.H{
		"category":  category,
		"deleted":   result.Deleted,
		"errors":    result.Errors,
		"unreached": result.Unreached,
	}
	if err != nil {
		resp["error"] = err.Error()
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleCache(c *gin.Context) {
	counts, err := s.cache.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": counts})
}

func (s *server) handleSchedulerStatus(c *gin.Context) {
	st, err := s.manager.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *server) handleSchedulerConfig(c *gin.Context) {
	var cfg store.SchedulerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.UpdateConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *server) handleSchedulerRun(c *gin.Context) {
	rec, err := s.manager.RunNow(c.Request.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrCategoryBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
