package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically reports escrows whose deadlines have passed. It never
// moves funds on anyone's behalf; only the entitled principal may refund or
// claim. When given a claimer identity it claims the expired deliveries that
// identity is the provider of.
type Sweeper struct {
	service  *Service
	interval time.Duration
	claimer  Principal
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Refundable []uint64
	Claimable  []uint64
	Claimed    []uint64
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (w *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithClaimer lets the sweeper claim expired deliveries where p is the
// provider.
func (w *Sweeper) WithClaimer(p Principal) *Sweeper {
	w.claimer = p
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.Sweep(ctx); err != nil {
		w.logger.Warn("escrow sweep failed", "error", err)
	}
}

// Sweep runs one pass.
func (w *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := w.service.now()
	refundable, claimable, err := w.service.ListExpired(ctx, now, 500)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, e := range refundable {
		res.Refundable = append(res.Refundable, e.ID)
		w.logger.Info("escrow refundable",
			"escrow_id", e.ID, "agent", e.Agent, "amount", e.Amount.String(),
			"expired_at", e.RefundableAt())
	}
	for _, e := range claimable {
		if !w.claimer.IsZero() && e.Provider == w.claimer {
			if _, err := w.service.ClaimTimeout(ctx, w.claimer, e.ID); err != nil {
				w.logger.Warn("failed to claim expired delivery", "escrow_id", e.ID, "error", err)
			} else {
				res.Claimed = append(res.Claimed, e.ID)
				continue
			}
		}
		res.Claimable = append(res.Claimable, e.ID)
		w.logger.Info("escrow claimable",
			"escrow_id", e.ID, "provider", e.Provider, "amount", e.Amount.String(),
			"expired_at", e.ClaimableAt())
	}

	sweeperEligible.WithLabelValues("refund").Set(float64(len(res.Refundable)))
	sweeperEligible.WithLabelValues("claim").Set(float64(len(res.Claimable)))
	return res, nil
}
