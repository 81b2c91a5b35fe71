// Package pubsub implements the backup notifier on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// Notifier publishes a backup request for each completed scrape so a
// downstream worker can mirror the output file to archival storage.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// message is the wire payload consumed by the backup worker.
type message struct {
	Site        string    `json:"site"`
	Operation   string    `json:"operation"`
	OutputRef   string    `json:"output_ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// New creates a Notifier for the given project and topic.
func New(ctx context.Context, projectID, topicName string) (*Notifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Notifier{client: client, topic: client.Topic(topicName)}, nil
}

// Notify publishes one backup request and waits for the server ack.
func (n *Notifier) Notify(ctx context.Context, site, operation, outputRef string) error {
	payload := message{
		Site:        site,
		Operation:   operation,
		OutputRef:   outputRef,
		CompletedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal backup message: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"site":      site,
			"operation": operation,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish backup message: %w", err)
	}
	return nil
}

// Close stops the topic's publish goroutines and the client.
func (n *Notifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
