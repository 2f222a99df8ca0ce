package adminapi

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

// Change is one applied operation as published to the change feed.
type Change struct {
	Kind      domain.Kind   `json:"kind"`
	Operation domain.Intent `json:"operation"`
	Result    domain.Result `json:"result"`
	AppliedAt time.Time     `json:"appliedAt"`
}

// Feed receives every operation the server applied.
type Feed interface {
	Publish(ctx context.Context, changes []Change) error
}

// QueueFeed enqueues each change as a message on an Azure Storage queue.
type QueueFeed struct {
	queue *azqueue.QueueClient
}

func NewQueueFeed(connStr, queueName string) (*QueueFeed, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueFeed{queue: q}, nil
}

func (f *QueueFeed) Publish(ctx context.Context, changes []Change) error {
	for _, ch := range changes {
		msg, err := encodeChange(ch)
		if err != nil {
			return err
		}
		if _, err := f.queue.EnqueueMessage(ctx, msg, nil); err != nil {
			return err
		}
	}
	return nil
}

// EnsureQueues creates every named queue, ignoring ones that exist.
func EnsureQueues(ctx context.Context, connStr string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}

func encodeChange(ch Change) (string, error) {
	data, err := sonic.Marshal(ch)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MemoryFeed keeps published changes; handy for tests and local runs.
type MemoryFeed struct {
	changes chan Change
}

func NewMemoryFeed(buffer int) *MemoryFeed {
	return &MemoryFeed{changes: make(chan Change, buffer)}
}

func (f *MemoryFeed) Publish(_ context.Context, changes []Change) error {
	for _, ch := range changes {
		select {
		case f.changes <- ch:
		default:
			return errors.New("change feed buffer full")
		}
	}
	return nil
}

func (f *MemoryFeed) Changes() <-chan Change { return f.changes }
