// Package pubsub implements the completion publisher on Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/sitelens/sitelens/internal/publisher"
)

// Config identifies the target topic. Authentication uses Google's
// Application Default Credentials.
type Config struct {
	ProjectID string
	TopicID   string
}

// Publisher delivers completion events to a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New connects a client and verifies the topic exists, so a misconfigured
// deployment fails at startup instead of on the first completion.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// PublishCompleted marshals the event and blocks until the broker confirms
// it or ctx ends. Job id and status ride along as attributes so consumers
// can filter without unmarshaling.
func (p *Publisher) PublishCompleted(ctx context.Context, evt publisher.CompletionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"jobId":  evt.JobID,
			"status": evt.Status,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
