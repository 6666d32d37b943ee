// Package worker binds one bounded-concurrency consumer per campaign-type
// queue, runs preflight checks, invokes the job pipeline, and turns each
// classified outcome into an ack / retry / terminal-failure decision for the
// queue layer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"callcast/internal/campaign"
	"callcast/internal/joberr"
	"callcast/internal/observability"
	"callcast/internal/pipeline"
	sqsqueue "callcast/internal/queue/sqs"
)

// JobRunner is the pipeline as the pool consumes it.
type JobRunner interface {
	Run(ctx context.Context, job campaign.Job) (pipeline.Result, error)
}

// QueueConsumer is one campaign-type queue binding.
type QueueConsumer interface {
	CampaignType() campaign.Type
	QueueName() string
	Run(ctx context.Context, h sqsqueue.Handler) error
}

// connectivity re-check interval for the preflight ping.
const pingInterval = 30 * time.Second

type Pool struct {
	Runner    JobRunner
	Consumers []QueueConsumer

	// Ping verifies the queue service is reachable; cached for pingInterval.
	Ping func(ctx context.Context) error

	JobTimeout      time.Duration
	MaxMemoryMB     int
	MaxReceiveCount int

	events   chan Event
	draining atomic.Bool
	inFlight sync.WaitGroup

	pingMu     sync.Mutex
	lastPingOK time.Time

	statsMu sync.Mutex
	stats   map[campaign.Type]*queueStats
}

type queueStats struct {
	queueName string
	completed uint64
	failed    uint64
	retried   uint64
	recentOK  *outcomeRing
	recentBad *outcomeRing
	status    string
}

// QueueSummary is the per-queue operability snapshot.
type QueueSummary struct {
	Type            campaign.Type   `json:"type"`
	QueueName       string          `json:"queueName"`
	Status          string          `json:"status"`
	Completed       uint64          `json:"completed"`
	Failed          uint64          `json:"failed"`
	Retried         uint64          `json:"retried"`
	RecentCompleted []OutcomeRecord `json:"recentCompleted"`
	RecentFailed    []OutcomeRecord `json:"recentFailed"`
}

// ConsumerStatus feeds the health endpoint.
type ConsumerStatus struct {
	Type      campaign.Type `json:"type"`
	QueueName string        `json:"queue_name"`
	Status    string        `json:"status"`
}

func NewPool(runner JobRunner, consumers []QueueConsumer) *Pool {
	p := &Pool{
		Runner:          runner,
		Consumers:       consumers,
		JobTimeout:      5 * time.Minute,
		MaxReceiveCount: 6,
		events:          make(chan Event, 256),
		stats:           make(map[campaign.Type]*queueStats, len(consumers)),
	}
	for _, c := range consumers {
		p.stats[c.CampaignType()] = &queueStats{
			queueName: c.QueueName(),
			recentOK:  newOutcomeRing(retainCompleted),
			recentBad: newOutcomeRing(retainFailed),
			status:    "starting",
		}
	}
	return p
}

// Events is the pool's lifecycle notification channel.
func (p *Pool) Events() <-chan Event { return p.events }

// Run starts every consumer and blocks until ctx is canceled and all poll
// loops have returned. In-flight jobs are tracked separately via Wait.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.Consumers {
		c := c
		p.setStatus(c.CampaignType(), "running")
		p.emit(Event{Kind: EventReady, Queue: c.CampaignType(), At: time.Now()})
		g.Go(func() error {
			defer p.setStatus(c.CampaignType(), "stopped")
			err := c.Run(gctx, func(hctx context.Context, d sqsqueue.Delivery) sqsqueue.Disposition {
				return p.Handle(hctx, c.CampaignType(), d)
			})
			if err != nil && err != context.Canceled {
				return fmt.Errorf("consumer %s: %w", c.CampaignType(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// StartDraining stops job intake: every delivery from now on is left on the
// queue untouched for another worker.
func (p *Pool) StartDraining() {
	if p.draining.CompareAndSwap(false, true) {
		for t := range p.stats {
			p.setStatus(t, "draining")
		}
	}
}

func (p *Pool) Draining() bool { return p.draining.Load() }

// Wait blocks until all in-flight jobs finish or the timeout elapses.
// Returns false on timeout, with jobs abandoned to the queue's stalled-job
// redelivery.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Handle runs the per-job sequence: preflight checks, pipeline, classify.
func (p *Pool) Handle(ctx context.Context, queue campaign.Type, d sqsqueue.Delivery) (disp sqsqueue.Disposition) {
	// Draining processes nothing new; the message stays claimed until its
	// visibility timeout returns it to the queue.
	if p.draining.Load() {
		return sqsqueue.Disposition{}
	}

	p.inFlight.Add(1)
	defer p.inFlight.Done()

	defer func() {
		if r := recover(); r != nil {
			// A panic in job handling is process-fatal: report it so the
			// lifecycle manager drains, and leave the job for redelivery.
			p.emit(Event{
				Kind: EventFatal, Queue: queue, JobID: d.Job.JobID,
				Err: fmt.Errorf("panic in job handler: %v", r), At: time.Now(),
			})
			disp = sqsqueue.Disposition{}
		}
	}()

	job := d.Job
	p.emit(Event{Kind: EventActive, Queue: queue, JobID: job.JobID, TenantID: job.TenantID, At: time.Now()})

	// Preflight: required fields.
	if err := job.Validate(); err != nil {
		return p.terminalFailure(queue, d, joberr.Wrap(err, joberr.Permanent, "job payload incomplete"),
			joberr.Permanent, observability.OutcomeFailedPermanent, 0)
	}
	// Preflight: memory ceiling. Requeue with a short delay instead of
	// growing the heap further; a requeued deferral does not spend an
	// attempt, so a stressed worker can never poison a healthy job.
	if over, usedMB := p.memoryOver(); over {
		slog.Warn("memory ceiling reached, deferring job",
			"job_id", job.JobID, "used_mb", usedMB, "max_mb", p.MaxMemoryMB)
		return sqsqueue.Disposition{Requeue: 30 * time.Second}
	}
	// Preflight: queue connectivity (cached ping).
	if err := p.checkConnectivity(ctx); err != nil {
		slog.Error("queue connectivity preflight failed", "err", err)
		return sqsqueue.Disposition{Requeue: 10 * time.Second}
	}
	// Preflight: stalled-redelivery ceiling. A job attempted this many times
	// is poison regardless of what it would classify as next.
	if p.MaxReceiveCount > 0 && d.Attempts() > p.MaxReceiveCount {
		err := joberr.Newf(joberr.Permanent, "job delivered %d times, over the stalled ceiling %d",
			d.Attempts(), p.MaxReceiveCount)
		p.emit(Event{Kind: EventStalled, Queue: queue, JobID: job.JobID, TenantID: job.TenantID, Err: err, At: time.Now()})
		return p.terminalFailure(queue, d, err, joberr.Permanent, observability.OutcomeFailedStalled, 0)
	}

	runCtx := ctx
	if p.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := p.Runner.Run(runCtx, job)
	elapsed := time.Since(start)
	observability.JobDuration.WithLabelValues(string(queue)).Observe(elapsed.Seconds())

	if err == nil {
		p.recordCompleted(queue, job, res, elapsed)
		return sqsqueue.Disposition{Done: true}
	}

	cat := joberr.Classify(err)
	observability.FailureCategories.WithLabelValues(string(queue), string(cat)).Inc()

	if cat == joberr.Permanent {
		return p.terminalFailure(queue, d, err, cat, observability.OutcomeFailedPermanent, elapsed)
	}
	if d.Attempts() >= job.EffectiveMaxAttempts() {
		return p.terminalFailure(queue, d, err, cat, observability.OutcomeFailedExhausted, elapsed)
	}

	// Retryable with attempts left: hand back to the queue with backoff.
	observability.JobsProcessed.WithLabelValues(string(queue), observability.OutcomeRetried).Inc()
	p.bumpRetried(queue)
	p.emit(Event{
		Kind: EventFailed, Queue: queue, JobID: job.JobID, TenantID: job.TenantID,
		Category: cat, Retrying: true, Err: err, Duration: elapsed, At: time.Now(),
	})
	return sqsqueue.Disposition{RetryAfter: sqsqueue.RetryBackoff(d.Attempts())}
}

func (p *Pool) recordCompleted(queue campaign.Type, job campaign.Job, res pipeline.Result, elapsed time.Duration) {
	observability.JobsProcessed.WithLabelValues(string(queue), observability.OutcomeCompleted).Inc()
	p.statsMu.Lock()
	if s := p.stats[queue]; s != nil {
		s.completed++
		s.recentOK.add(OutcomeRecord{
			JobID: job.JobID, TenantID: job.TenantID, CallReference: res.CallReference,
			Duration: elapsed, At: time.Now(),
		})
	}
	p.statsMu.Unlock()
	p.emit(Event{
		Kind: EventCompleted, Queue: queue, JobID: job.JobID, TenantID: job.TenantID,
		Duration: elapsed, At: time.Now(),
	})
}

// terminalFailure acknowledges the job as a non-retryable terminal failure.
func (p *Pool) terminalFailure(queue campaign.Type, d sqsqueue.Delivery, err error, cat joberr.Category, outcome string, elapsed time.Duration) sqsqueue.Disposition {
	observability.JobsProcessed.WithLabelValues(string(queue), outcome).Inc()
	p.statsMu.Lock()
	if s := p.stats[queue]; s != nil {
		s.failed++
		s.recentBad.add(OutcomeRecord{
			JobID: d.Job.JobID, TenantID: d.Job.TenantID, Error: err.Error(),
			Duration: elapsed, At: time.Now(),
		})
	}
	p.statsMu.Unlock()
	p.emit(Event{
		Kind: EventFailed, Queue: queue, JobID: d.Job.JobID, TenantID: d.Job.TenantID,
		Category: cat, Retrying: false, Err: err, Duration: elapsed, At: time.Now(),
	})
	return sqsqueue.Disposition{Done: true}
}

func (p *Pool) memoryOver() (bool, uint64) {
	if p.MaxMemoryMB <= 0 {
		return false, 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := ms.Alloc / (1 << 20)
	return usedMB >= uint64(p.MaxMemoryMB), usedMB
}

// MemoryUsage reports heap use vs the configured ceiling, for health output.
func (p *Pool) MemoryUsage() (usedMB, maxMB uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc / (1 << 20), uint64(p.MaxMemoryMB)
}

func (p *Pool) checkConnectivity(ctx context.Context) error {
	if p.Ping == nil {
		return nil
	}
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	if time.Since(p.lastPingOK) < pingInterval {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return err
	}
	p.lastPingOK = time.Now()
	return nil
}

func (p *Pool) bumpRetried(queue campaign.Type) {
	p.statsMu.Lock()
	if s := p.stats[queue]; s != nil {
		s.retried++
	}
	p.statsMu.Unlock()
}

func (p *Pool) setStatus(queue campaign.Type, status string) {
	p.statsMu.Lock()
	if s := p.stats[queue]; s != nil {
		s.status = status
	}
	p.statsMu.Unlock()
}

func (p *Pool) ConsumerStatuses() []ConsumerStatus {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make([]ConsumerStatus, 0, len(p.Consumers))
	for _, c := range p.Consumers {
		s := p.stats[c.CampaignType()]
		out = append(out, ConsumerStatus{Type: c.CampaignType(), QueueName: s.queueName, Status: s.status})
	}
	return out
}

func (p *Pool) Summaries() []QueueSummary {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make([]QueueSummary, 0, len(p.Consumers))
	for _, c := range p.Consumers {
		s := p.stats[c.CampaignType()]
		out = append(out, QueueSummary{
			Type:            c.CampaignType(),
			QueueName:       s.queueName,
			Status:          s.status,
			Completed:       s.completed,
			Failed:          s.failed,
			Retried:         s.retried,
			RecentCompleted: s.recentOK.list(),
			RecentFailed:    s.recentBad.list(),
		})
	}
	return out
}

// emit never blocks job processing; if the subscriber lags, events drop.
func (p *Pool) emit(e Event) {
	select {
	case p.events <- e:
	default:
	}
}
