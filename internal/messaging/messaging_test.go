package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessQueueRoundTrip(t *testing.T) {
	q, err := messaging.New(config.MessageBrokerOptions{Type: config.BrokerInProcess})
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := q.Messages(ctx)
	require.NoError(t, err)

	want := messaging.TaskMessage{Kind: messaging.KindLocalTask, ID: uuid.New()}
	require.NoError(t, q.Publish(ctx, want))

	select {
	case msg := <-msgs:
		got, err := messaging.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	msg := message.NewMessage("id", []byte(`{"kind":"mystery_task","id":"`+uuid.NewString()+`"}`))
	_, err := messaging.Decode(msg)
	assert.Error(t, err)

	msg = message.NewMessage("id", []byte(`not json`))
	_, err = messaging.Decode(msg)
	assert.Error(t, err)
}
