package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"callcast/internal/campaign"
)

// Delivery is one claimed job. ReceiveCount is 1 on the first delivery and
// grows on every redelivery (retry or stalled reclaim).
type Delivery struct {
	Job           campaign.Job
	ReceiveCount  int
	ReceiptHandle string
}

// Attempts is the total processing-attempt count for this delivery: attempts
// carried in the payload from a previous message incarnation plus the current
// message's deliveries.
func (d Delivery) Attempts() int {
	return d.Job.AttemptsMade + d.ReceiveCount
}

// Disposition tells the consumer what to do with the claimed message.
// Done acknowledges (deletes) it. A positive RetryAfter leaves it for SQS
// redelivery after that backoff. A positive Requeue replaces it with a fresh
// delayed copy carrying the attempt count in the payload, so a deferral does
// not consume the delivery counter that bounds retries and the poison
// ceiling. Zero everything leaves the message untouched.
type Disposition struct {
	Done       bool
	RetryAfter time.Duration
	Requeue    time.Duration
}

type Handler func(ctx context.Context, d Delivery) Disposition

// Consumer runs a bounded-concurrency poll loop against one campaign-type
// queue. Adapted from the producer/worker split: receive in one goroutine,
// handle in Concurrency workers, settle each message per its disposition.
type Consumer struct {
	SQS      API
	QueueURL string
	Type     campaign.Type

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	Concurrency       int
}

func (c *Consumer) CampaignType() campaign.Type { return c.Type }

func (c *Consumer) QueueName() string { return c.QueueURL }

// Run polls until ctx is canceled. Messages already handed to workers are
// finished before Run returns; unstarted ones stay invisible until their
// visibility timeout lapses and another worker claims them.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	workers := c.Concurrency
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handleOne(ctx, m, handler)
			}
		}()
	}

	// Receive loop. Settling uses a background-derived context so a drain
	// does not strand acknowledgments for jobs that already completed.
	for ctx.Err() == nil {
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.QueueURL),
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeName(types.MessageSystemAttributeNameApproximateReceiveCount),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("sqs receive failed", "queue", c.QueueURL, "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
			}
		}
	}

	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) handleOne(ctx context.Context, m types.Message, handler Handler) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if m.Body == nil {
		c.delete(settleCtx, m)
		return
	}
	var job campaign.Job
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
		// Malformed payloads can never succeed; drop instead of recycling.
		slog.Error("dropping malformed job payload", "queue", c.QueueURL, "err", err)
		c.delete(settleCtx, m)
		return
	}

	d := Delivery{
		Job:           job,
		ReceiveCount:  receiveCount(m),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}
	disp := handler(ctx, d)

	switch {
	case disp.Done:
		c.delete(settleCtx, m)
	case disp.Requeue > 0:
		c.requeue(settleCtx, m, d, disp.Requeue)
	case disp.RetryAfter > 0:
		secs := int32(disp.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		_, err := c.SQS.ChangeMessageVisibility(settleCtx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.QueueURL),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: secs,
		})
		if err != nil {
			slog.Error("set retry backoff failed", "queue", c.QueueURL, "err", err)
		}
	default:
		// Leave the message; it reappears after the visibility timeout.
	}
}

// requeue swaps the claimed message for a fresh delayed copy. The copy's
// delivery counter starts over, so the attempts spent on previous deliveries
// move into the payload; the deferral itself never counted as an attempt.
// If the send fails the original is left in place and redelivers at its
// visibility timeout, so the job is never lost.
func (c *Consumer) requeue(ctx context.Context, m types.Message, d Delivery, delay time.Duration) {
	job := d.Job
	job.AttemptsMade += d.ReceiveCount - 1

	body, err := json.Marshal(job)
	if err != nil {
		slog.Error("requeue marshal failed, leaving message", "queue", c.QueueURL, "job_id", job.JobID, "err", err)
		return
	}
	secs := int32(delay / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, err = c.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(c.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: secs,
	})
	if err != nil {
		slog.Error("requeue send failed, leaving message", "queue", c.QueueURL, "job_id", job.JobID, "err", err)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs delete failed", "queue", c.QueueURL, "err", err)
	}
}

func receiveCount(m types.Message) int {
	v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
