package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"callcast/internal/campaign"
	"callcast/internal/util"
)

// EnqueueOptions are passthrough scheduling hints.
type EnqueueOptions struct {
	// Delay postpones visibility to workers. SQS caps this at 15 minutes.
	Delay time.Duration
	// Priority is carried as a message attribute for consumers that order
	// locally; SQS itself delivers FIFO-ish per queue.
	Priority int
}

type Producer struct {
	SQS    API
	Queues *Manager

	Now func() time.Time
}

// Enqueue places a job on its campaign type's queue and returns the job id.
// A missing id is filled in; attempts default to 3. Enqueue failures surface
// synchronously to the caller and are not retried here.
func (p *Producer) Enqueue(ctx context.Context, job campaign.Job, opts EnqueueOptions) (string, error) {
	if job.JobID == "" {
		job.JobID = util.NewJobID()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = campaign.DefaultMaxAttempts
	}
	job.CustomerPhone = util.NormalizePhone(job.CustomerPhone)
	now := util.NowUTC
	if p.Now != nil {
		now = p.Now
	}
	job.EnqueuedAt = now().UTC()

	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid campaign job: %w", err)
	}

	queueURL, err := p.Queues.QueueURL(job.Type)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	}
	if opts.Delay > 0 {
		secs := int64(opts.Delay / time.Second)
		if secs > 900 {
			secs = 900
		}
		in.DelaySeconds = int32(secs)
	}
	if opts.Priority != 0 {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			"priority": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(opts.Priority)),
			},
		}
	}

	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	return job.JobID, nil
}
