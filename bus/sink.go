package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// AzureDeadLetterSink forwards dead-letter entries to an Azure Storage
// queue for durable retention and operator replay tooling.
type AzureDeadLetterSink struct {
	queue *azqueue.QueueClient
}

// NewAzureDeadLetterSink creates a sink from the given connection string
// and queue name.
func NewAzureDeadLetterSink(connStr, queueName string) (*AzureDeadLetterSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &AzureDeadLetterSink{queue: q}, nil
}

// Enqueue serializes the entry and appends it to the queue.
func (s *AzureDeadLetterSink) Enqueue(ctx context.Context, entry domain.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
