package board

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pinger checks whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober pings the remote on an interval and calls onOnline each time it
// comes back after being unreachable. It starts out offline, so the first
// successful ping also fires onOnline.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	onOnline func(ctx context.Context) error
	logger   *log.Logger
	online   atomic.Bool
}

func NewProber(p Pinger, interval time.Duration, onOnline func(ctx context.Context) error, logger *log.Logger) *Prober {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		pinger:   p,
		interval: interval,
		timeout:  min(interval, 5*time.Second),
		onOnline: onOnline,
		logger:   logger,
	}
}

func (p *Prober) Online() bool { return p.online.Load() }

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check pings once and reports whether the remote answered.
func (p *Prober) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.pinger.Ping(pctx)
	cancel()
	if err != nil {
		if p.online.Swap(false) {
			p.logger.WithError(err).Warn("remote unreachable")
		}
		return false
	}
	if !p.online.Swap(true) {
		p.logger.Info("remote reachable; flushing queues")
		if p.onOnline != nil {
			if err := p.onOnline(ctx); err != nil {
				p.logger.WithError(err).Warn("flush after reconnect failed")
			}
		}
	}
	return true
}
