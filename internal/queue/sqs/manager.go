// Package sqsqueue is the durable-queue layer: one SQS queue per campaign
// type, enqueue with delay/priority hints, and a bounded-concurrency consumer
// loop. Redelivery of failed or stalled jobs rides on SQS visibility
// timeouts; this package never implements its own locking.
package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"callcast/internal/campaign"
)

// API is the slice of the SQS client this package uses. Narrowed for test
// doubles.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, opts ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Manager resolves and owns the five per-campaign-type queue URLs.
type Manager struct {
	SQS    API
	Prefix string

	urls map[campaign.Type]string
}

// ManagerOptions controls queue resolution at startup.
type ManagerOptions struct {
	// CreateMissing creates queues that do not exist yet (dev/localstack).
	CreateMissing bool
	// VisibilityTimeout is the per-job processing ceiling in seconds; a job
	// held longer counts as stalled and becomes visible to another worker.
	VisibilityTimeout int32
}

// NewManager resolves one queue URL per campaign type.
func NewManager(ctx context.Context, client API, prefix string, opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		SQS:    client,
		Prefix: prefix,
		urls:   make(map[campaign.Type]string, len(campaign.Types)),
	}
	for _, t := range campaign.Types {
		name := t.QueueName(prefix)
		out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
		if err == nil {
			m.urls[t] = *out.QueueUrl
			continue
		}
		var notFound *types.QueueDoesNotExist
		if !errors.As(err, &notFound) || !opts.CreateMissing {
			return nil, fmt.Errorf("resolve queue %s: %w", name, err)
		}

		attrs := map[string]string{}
		if opts.VisibilityTimeout > 0 {
			attrs["VisibilityTimeout"] = strconv.Itoa(int(opts.VisibilityTimeout))
		}
		created, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName:  aws.String(name),
			Attributes: attrs,
		})
		if err != nil {
			return nil, fmt.Errorf("create queue %s: %w", name, err)
		}
		m.urls[t] = *created.QueueUrl
	}
	return m, nil
}

func (m *Manager) QueueURL(t campaign.Type) (string, error) {
	u, ok := m.urls[t]
	if !ok {
		return "", fmt.Errorf("no queue bound for campaign type %s", t)
	}
	return u, nil
}

// Ping verifies the queue service is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	for _, t := range campaign.Types {
		u := m.urls[t]
		_, err := m.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(u),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err // one queue is enough to prove connectivity
	}
	return nil
}

// RetryBackoff is the default retry policy: exponential starting at 2s
// (2s, 4s, 8s, ...), capped at 15 minutes. attempt is 1-based.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 2 * time.Second << (attempt - 1)
	if d > 15*time.Minute || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
