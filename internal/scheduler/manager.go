package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"mailsweep/internal/store"
)

// ErrCategoryBusy is returned when a run for the category is already active.
var ErrCategoryBusy = errors.New("scheduler: category run already in progress")

// Status reports the scheduler's current state.
type Status struct {
	Config  store.SchedulerConfig `json:"config"`
	Running []string              `json:"running_categories"`
	LastRun *store.RunRecord      `json:"last_run,omitempty"`
}

// Manager owns the cron schedule and guarantees a single active run per
// category, whether triggered by cron or by the HTTP API.
type Manager struct {
	job   *Job
	store *store.Store
	log   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	runCtx  context.Context

	mu     sync.Mutex
	cfg    store.SchedulerConfig
	active map[string]bool
}

// NewManager loads any persisted schedule, falling back to defaults.
func NewManager(ctx context.Context, job *Job, s *store.Store, defaults store.SchedulerConfig, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		job:    job,
		store:  s,
		log:    log.With("component", "scheduler"),
		cfg:    defaults,
		active: make(map[string]bool),
	}

	saved, err := s.LoadSchedulerConfig(ctx)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		m.cfg = *saved
	}

	if _, err := cron.ParseStandard(m.cfg.CronSpec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", m.cfg.CronSpec, err)
	}
	return m, nil
}

// Start registers the cron entry and begins scheduling. Scheduled runs use
// ctx, so canceling it stops in-flight work on shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCtx = ctx
	m.cron = cron.New()
	id, err := m.cron.AddFunc(m.cfg.CronSpec, m.cronEntry)
	if err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	m.entryID = id
	m.cron.Start()
	m.log.Info("scheduler started", "cron", m.cfg.CronSpec, "categories", m.cfg.Categories)
	return nil
}

func (m *Manager) cronEntry() {
	if _, err := m.RunNow(m.runCtx); err != nil && !errors.Is(err, ErrCategoryBusy) {
		m.log.Error("scheduled run failed", "error", err)
	}
}

// Stop halts the cron scheduler and waits for a running entry to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunNow executes a cleanup run over every configured category that is not
// already busy. With every category busy it returns ErrCategoryBusy.
func (m *Manager) RunNow(ctx context.Context) (store.RunRecord, error) {
	m.mu.Lock()
	cfg := m.cfg
	var categories []string
	for _, c := range cfg.Categories {
		if m.active[c] {
			m.log.Warn("skipping busy category", "category", c)
			continue
		}
		m.active[c] = true
		categories = append(categories, c)
	}
	m.mu.Unlock()

	if len(categories) == 0 {
		return store.RunRecord{}, ErrCategoryBusy
	}
	defer func() {
		m.mu.Lock()
		for _, c := range categories {
			delete(m.active, c)
		}
		m.mu.Unlock()
	}()

	return m.job.Run(ctx, categories, cfg.LookbackDays)
}

// Acquire marks a category busy for a caller-managed run. The caller must
// Release it.
func (m *Manager) Acquire(category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[category] {
		return fmt.Errorf("%w: %s", ErrCategoryBusy, category)
	}
	m.active[category] = true
	return nil
}

// Release marks a category idle again.
func (m *Manager) Release(category string) {
	m.mu.Lock()
	delete(m.active, category)
	m.mu.Unlock()
}

// Status returns the current schedule, busy categories, and last run record.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	st := Status{Config: m.cfg, Running: make([]string, 0, len(m.active))}
	for c := range m.active {
		st.Running = append(st.Running, c)
	}
	m.mu.Unlock()

	last, err := m.store.LastRun(ctx)
	if err != nil {
		return Status{}, err
	}
	st.LastRun = last
	return st, nil
}

// UpdateConfig validates, persists, and applies a new schedule. The cron
// entry is replaced when the spec changed and the scheduler is running.
func (m *Manager) UpdateConfig(ctx context.Context, cfg store.SchedulerConfig) error {
	if len(cfg.Categories) == 0 {
		return errors.New("scheduler: at least one category required")
	}
	if cfg.LookbackDays <= 0 {
		return errors.New("scheduler: lookback_days must be positive")
	}
	if _, err := cron.ParseStandard(cfg.CronSpec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", cfg.CronSpec, err)
	}

	if err := m.store.SaveSchedulerConfig(ctx, cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	respec := cfg.CronSpec != m.cfg.CronSpec
	m.cfg = cfg

	if m.cron != nil && respec {
		m.cron.Remove(m.entryID)
		id, err := m.cron.AddFunc(cfg.CronSpec, m.cronEntry)
		if err != nil {
			return fmt.Errorf("reschedule cleanup: %w", err)
		}
		m.entryID = id
	}

	m.log.Info("scheduler config updated", "cron", cfg.CronSpec, "categories", cfg.Categories, "lookback_days", cfg.LookbackDays)
	return nil
}
