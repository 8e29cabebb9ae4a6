// Package monitor runs the gateway's background maintenance loops: disabled
// credential recovery, model re-detection, window cleanup, and the daily
// quota reset.
package monitor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"hydra-go/internal/credential"
	"hydra-go/internal/monitoring"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/stats"
	"hydra-go/internal/upstream/gemini"
)

// Prober checks which catalog models a raw key can reach. Satisfied by the
// gemini client.
type Prober interface {
	DetectModels(ctx context.Context, rawKey string) ([]string, error)
}

// Monitor owns the maintenance loops. Intervals are fields so tests can
// shrink them.
type Monitor struct {
	registry   *credential.Registry
	accountant *ratelimit.Accountant
	stats      *stats.Service
	prober     Prober

	RecoveryInterval time.Duration
	RedetectInterval time.Duration
	CleanupInterval  time.Duration
	ResetPollEvery   time.Duration

	lastResetDate string
}

// New builds a Monitor with production intervals.
func New(registry *credential.Registry, accountant *ratelimit.Accountant, statsSvc *stats.Service, prober Prober) *Monitor {
	return &Monitor{
		registry:         registry,
		accountant:       accountant,
		stats:            statsSvc,
		prober:           prober,
		RecoveryInterval: 300 * time.Second,
		RedetectInterval: 300 * time.Second,
		CleanupInterval:  60 * time.Second,
		ResetPollEvery:   60 * time.Second,
	}
}

// Start launches every loop. They stop when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	// Arm the daily reset against the current quota day so a restart just
	// after midnight does not double-reset.
	m.lastResetDate = m.accountant.Today()

	go m.loop(ctx, "recovery", m.RecoveryInterval, m.RecoverDisabled)
	go m.loop(ctx, "redetect", m.RedetectInterval, m.RedetectModels)
	go m.loop(ctx, "cleanup", m.CleanupInterval, m.Cleanup)
	go m.loop(ctx, "daily-reset", m.ResetPollEvery, m.MaybeDailyReset)
	log.Info("background monitor started")
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runGuarded(ctx, name, fn)
		}
	}
}

func (m *Monitor) runGuarded(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("monitor %s loop panicked: %v", name, r)
		}
	}()
	if err := fn(ctx); err != nil {
		log.WithError(err).Warnf("monitor %s loop failed", name)
	}
}

// RecoverDisabled probes every disabled credential and reactivates the ones
// that answer again. Keys the API rejects outright stay disabled.
func (m *Monitor) RecoverDisabled(ctx context.Context) error {
	all, err := m.registry.ListAll(ctx)
	if err != nil {
		return err
	}
	for handle, entry := range all {
		if entry.IsActive {
			continue
		}
		rawKey, err := m.registry.RawToken(ctx, handle)
		if err != nil {
			continue
		}
		models, err := m.prober.DetectModels(ctx, rawKey)
		if err != nil {
			if gemini.IsInvalidKey(err) {
				log.Debugf("credential %.8s still rejected, leaving disabled", handle)
			}
			continue
		}
		if len(models) == 0 {
			continue
		}
		if _, err := m.registry.Reactivate(ctx, handle); err != nil {
			log.WithError(err).Warnf("reactivating credential %.8s failed", handle)
			continue
		}
		if _, err := m.registry.ReplaceModels(ctx, handle, models); err != nil {
			log.WithError(err).Warnf("updating models for %.8s failed", handle)
		}
		log.Infof("credential %.8s recovered with %d models", handle, len(models))
	}
	return m.refreshGauge(ctx)
}

// RedetectModels refreshes the advertised model set of every active
// credential against what upstream actually serves.
func (m *Monitor) RedetectModels(ctx context.Context) error {
	active, err := m.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	for handle := range active {
		rawKey, err := m.registry.RawToken(ctx, handle)
		if err != nil {
			continue
		}
		models, err := m.prober.DetectModels(ctx, rawKey)
		if err != nil || len(models) == 0 {
			continue
		}
		if _, err := m.registry.ReplaceModels(ctx, handle, models); err != nil {
			log.WithError(err).Warnf("updating models for %.8s failed", handle)
		}
	}
	return nil
}

// Cleanup prunes rate windows and expired log entries.
func (m *Monitor) Cleanup(ctx context.Context) error {
	if _, err := m.accountant.Cleanup(ctx); err != nil {
		return err
	}
	if removed, err := m.stats.CleanupOldLogs(ctx); err != nil {
		return err
	} else if removed > 0 {
		log.Debugf("pruned %d expired log entries", removed)
	}
	return m.refreshGauge(ctx)
}

// MaybeDailyReset fires the quota reset once per quota-zone day, within the
// first two minutes after midnight.
func (m *Monitor) MaybeDailyReset(ctx context.Context) error {
	now := m.accountant.QuotaNow()
	today := now.Format("2006-01-02")
	if today == m.lastResetDate {
		return nil
	}
	if now.Hour() != 0 || now.Minute() >= 2 {
		// Missed the window (downtime across midnight); the per-window lazy
		// reset in the accountant covers correctness, so just re-arm.
		m.lastResetDate = today
		return nil
	}
	n, err := m.accountant.ResetDailyAll(ctx)
	if err != nil {
		return err
	}
	m.lastResetDate = today
	log.Infof("daily quota reset complete, %d windows", n)
	return nil
}

func (m *Monitor) refreshGauge(ctx context.Context) error {
	n, err := m.registry.ActiveCount(ctx)
	if err != nil {
		return err
	}
	monitoring.ActiveCredentials.Set(float64(n))
	return nil
}
