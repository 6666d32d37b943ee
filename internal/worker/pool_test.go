package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"callcast/internal/campaign"
	"callcast/internal/joberr"
	"callcast/internal/pipeline"
	sqsqueue "callcast/internal/queue/sqs"
)

type fakeRunner struct {
	err   error
	panic bool
	runs  int
}

func (f *fakeRunner) Run(ctx context.Context, job campaign.Job) (pipeline.Result, error) {
	f.runs++
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	return pipeline.Result{CallReference: "CA1", TenantID: job.TenantID, Type: job.Type}, nil
}

type fakeConsumer struct {
	t campaign.Type
}

func (f *fakeConsumer) CampaignType() campaign.Type { return f.t }
func (f *fakeConsumer) QueueName() string           { return f.t.QueueName("voice-campaign") }
func (f *fakeConsumer) Run(ctx context.Context, h sqsqueue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func testPool(runner *fakeRunner) *Pool {
	return NewPool(runner, []QueueConsumer{&fakeConsumer{t: campaign.TypeReactivation}})
}

func delivery(receives int) sqsqueue.Delivery {
	return sqsqueue.Delivery{
		Job: campaign.Job{
			JobID:         "jb_1",
			Type:          campaign.TypeReactivation,
			TenantID:      "t1",
			CustomerPhone: "+31612345678",
		},
		ReceiveCount: receives,
	}
}

func drainEvents(p *Pool) []Event {
	var out []Event
	for {
		select {
		case e := <-p.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestHandleSuccessAcknowledges(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(1))
	if !disp.Done {
		t.Fatalf("success must acknowledge the job")
	}
	if runner.runs != 1 {
		t.Fatalf("pipeline should run exactly once, ran %d", runner.runs)
	}

	events := drainEvents(p)
	if !hasEvent(events, EventActive) || !hasEvent(events, EventCompleted) {
		t.Fatalf("expected active+completed events, got %+v", events)
	}

	sum := p.Summaries()[0]
	if sum.Completed != 1 || len(sum.RecentCompleted) != 1 {
		t.Fatalf("completed outcome not retained: %+v", sum)
	}
	if sum.RecentCompleted[0].CallReference != "CA1" {
		t.Fatalf("retained outcome must carry the call reference: %+v", sum.RecentCompleted[0])
	}
}

func TestHandlePermanentFailureNeverRetries(t *testing.T) {
	runner := &fakeRunner{err: joberr.New(joberr.Permanent, "no consent record")}
	p := testPool(runner)

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(1))
	if !disp.Done {
		t.Fatalf("permanent failures must be acknowledged as terminal, not redelivered")
	}
	if disp.RetryAfter != 0 {
		t.Fatalf("no backoff for terminal failures")
	}

	sum := p.Summaries()[0]
	if sum.Failed != 1 || sum.Retried != 0 {
		t.Fatalf("expected one terminal failure, got %+v", sum)
	}
}

func TestHandleRetryableBacksOffExponentially(t *testing.T) {
	runner := &fakeRunner{err: joberr.New(joberr.ServiceUnavailable, "twilio call timed out")}
	p := testPool(runner)

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(1))
	if disp.Done {
		t.Fatalf("retryable failure must stay on the queue")
	}
	if disp.RetryAfter != 2*time.Second {
		t.Fatalf("first retry backoff should be 2s, got %v", disp.RetryAfter)
	}

	disp = p.Handle(context.Background(), campaign.TypeReactivation, delivery(2))
	if disp.RetryAfter != 4*time.Second {
		t.Fatalf("second retry backoff should be 4s, got %v", disp.RetryAfter)
	}
}

func TestHandleAttemptsExhaustedIsTerminal(t *testing.T) {
	runner := &fakeRunner{err: joberr.New(joberr.ServiceUnavailable, "twilio call timed out")}
	p := testPool(runner)

	// default max attempts is 3; the third delivery is the last
	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(3))
	if !disp.Done {
		t.Fatalf("exhausted attempts must terminally fail, not recycle")
	}
	sum := p.Summaries()[0]
	if sum.Failed != 1 {
		t.Fatalf("exhausted job must be reported, got %+v", sum)
	}
}

func TestHandleDrainingRejectsNewWork(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)
	p.StartDraining()

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(1))
	if disp.Done || disp.RetryAfter != 0 {
		t.Fatalf("draining must leave the message untouched, got %+v", disp)
	}
	if runner.runs != 0 {
		t.Fatalf("pipeline must not run while draining")
	}
}

func TestHandleMissingFieldsIsTerminal(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)

	d := delivery(1)
	d.Job.CustomerPhone = ""
	disp := p.Handle(context.Background(), campaign.TypeReactivation, d)
	if !disp.Done {
		t.Fatalf("incomplete payload must be dropped as permanent")
	}
	if runner.runs != 0 {
		t.Fatalf("pipeline must not run on preflight failure")
	}
}

func TestHandlePoisonJobIsTerminal(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)
	p.MaxReceiveCount = 6

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(7))
	if !disp.Done {
		t.Fatalf("over the stalled ceiling the job must be dropped")
	}
	if runner.runs != 0 {
		t.Fatalf("pipeline must not run for poison jobs")
	}
	if !hasEvent(drainEvents(p), EventStalled) {
		t.Fatalf("expected a stalled event")
	}
}

func TestHandleConnectivityDeferralRequeuesWithoutSpendingAttempts(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)
	p.Ping = func(ctx context.Context) error { return errors.New("connection refused") }

	// Even past the stalled ceiling, a job a degraded worker never ran must
	// be deferred, not dropped.
	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(7))
	if disp.Done || disp.Requeue == 0 {
		t.Fatalf("connectivity deferral must requeue the job, got %+v", disp)
	}
	if runner.runs != 0 {
		t.Fatalf("pipeline must not run when the queue service is unreachable")
	}
	if hasEvent(drainEvents(p), EventStalled) {
		t.Fatalf("a deferral must not count toward the poison ceiling")
	}
}

func TestHandleCarriedAttemptsCountTowardExhaustion(t *testing.T) {
	runner := &fakeRunner{err: joberr.New(joberr.ServiceUnavailable, "twilio call timed out")}
	p := testPool(runner)

	// Two attempts spent before a deferral re-enqueued the job; the first
	// delivery of the fresh message is attempt three of three.
	d := delivery(1)
	d.Job.AttemptsMade = 2
	disp := p.Handle(context.Background(), campaign.TypeReactivation, d)
	if !disp.Done {
		t.Fatalf("carried attempts must count toward exhaustion, got %+v", disp)
	}
	if sum := p.Summaries()[0]; sum.Failed != 1 {
		t.Fatalf("exhausted job must be reported, got %+v", sum)
	}
}

func TestHandlePanicEmitsFatalAndLeavesJob(t *testing.T) {
	runner := &fakeRunner{panic: true}
	p := testPool(runner)

	disp := p.Handle(context.Background(), campaign.TypeReactivation, delivery(1))
	if disp.Done || disp.RetryAfter != 0 {
		t.Fatalf("panicked job must be left for redelivery, got %+v", disp)
	}
	if !hasEvent(drainEvents(p), EventFatal) {
		t.Fatalf("expected a fatal event after panic")
	}
}

func TestHandleAttemptCeilingFromJob(t *testing.T) {
	runner := &fakeRunner{err: errors.New("weird one-off failure")}
	p := testPool(runner)

	d := delivery(2)
	d.Job.MaxAttempts = 2
	disp := p.Handle(context.Background(), campaign.TypeReactivation, d)
	if !disp.Done {
		t.Fatalf("job-level max attempts must be honored")
	}
}

func TestWaitTimesOutWithJobsInFlight(t *testing.T) {
	runner := &fakeRunner{}
	p := testPool(runner)

	p.inFlight.Add(1)
	if p.Wait(20 * time.Millisecond) {
		t.Fatalf("expected timeout with a job still in flight")
	}
	p.inFlight.Done()
	if !p.Wait(time.Second) {
		t.Fatalf("expected clean wait once idle")
	}
}

func TestOutcomeRingRetention(t *testing.T) {
	r := newOutcomeRing(3)
	for i := 0; i < 5; i++ {
		r.add(OutcomeRecord{JobID: fmt.Sprintf("jb_%d", i)})
	}
	got := r.list()
	if len(got) != 3 {
		t.Fatalf("ring must cap at 3, got %d", len(got))
	}
	if got[0].JobID != "jb_4" || got[2].JobID != "jb_2" {
		t.Fatalf("ring must keep the newest entries first, got %+v", got)
	}
}
