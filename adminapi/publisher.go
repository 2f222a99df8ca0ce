package adminapi

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrFeedBusy   = errors.New("change feed buffer full")
	ErrFeedClosed = errors.New("change feed closed")
)

type PublisherConfig struct {
	Workers int
	Buffer  int
	// Timeout bounds one Publish call on the wrapped feed.
	Timeout time.Duration
	// Handoff is how long Publish waits for buffer space before giving up.
	Handoff time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Workers: 4,
		Buffer:  1024,
		Timeout: 60 * time.Second,
		Handoff: 15 * time.Millisecond,
	}
}

type publishJob struct {
	changes []Change
}

// Publisher moves feed writes off the request path. Publish hands the
// changes to a worker pool and returns; failures are logged by the worker.
type Publisher struct {
	feed   Feed
	cfg    PublisherConfig
	logger *log.Logger

	mu     sync.RWMutex
	jobs   chan publishJob
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(feed Feed, cfg PublisherConfig, logger *log.Logger) *Publisher {
	def := DefaultPublisherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &Publisher{
		feed:   feed,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan publishJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.WithFields(log.Fields{
		"workers": cfg.Workers,
		"buffer":  cfg.Buffer,
		"timeout": cfg.Timeout,
		"handoff": cfg.Handoff,
	}).Info("change publisher started")
	return p
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		err := p.feed.Publish(ctx, j.changes)
		cancel()
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{"count": len(j.changes), "worker": id}).Error("publish failed")
		}
	}
}

// Publish queues changes for the workers. ctx is not used for the write
// itself, which outlives the request.
func (p *Publisher) Publish(_ context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrFeedClosed
	}
	job := publishJob{changes: changes}
	select {
	case p.jobs <- job:
		return nil
	default:
	}
	if p.cfg.Handoff <= 0 {
		return ErrFeedBusy
	}
	timer := time.NewTimer(p.cfg.Handoff)
	defer timer.Stop()
	select {
	case p.jobs <- job:
		return nil
	case <-timer.C:
		return ErrFeedBusy
	}
}

// Close stops accepting changes and waits for queued ones to be written.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
