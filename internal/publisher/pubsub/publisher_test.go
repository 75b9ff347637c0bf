package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sitelens/sitelens/internal/publisher"
)

// fakeBroker wires a Publisher to an in-process Pub/Sub server with one
// topic and one subscription.
func fakeBroker(t *testing.T) (*Publisher, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "design-reports")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "design-reports-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return &Publisher{client: client, topic: topic}, sub
}

func TestPublishCompleted(t *testing.T) {
	t.Parallel()

	p, sub := fakeBroker(t)
	ctx := context.Background()

	evt := publisher.CompletionEvent{
		JobID:        "job-1",
		URL:          "https://example.com",
		OverallScore: 82,
		DurationMs:   1200,
		Status:       "completed",
	}
	require.NoError(t, p.PublishCompleted(ctx, evt))

	recvCtx, stopRecv := context.WithTimeout(ctx, 10*time.Second)
	defer stopRecv()
	msgs := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			msgs <- msg
			stopRecv()
		})
	}()

	select {
	case msg := <-msgs:
		var got publisher.CompletionEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, evt, got)
		require.Equal(t, "job-1", msg.Attributes["jobId"])
		require.Equal(t, "completed", msg.Attributes["status"])
	case <-recvCtx.Done():
		t.Fatal("completion event never arrived")
	}

	require.NoError(t, p.Close())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{TopicID: "design-reports"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "project id")

	_, err = New(context.Background(), Config{ProjectID: "test-project"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "topic id")
}
