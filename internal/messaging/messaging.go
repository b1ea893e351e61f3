// Package messaging hands task ids off to worker processes through a work
// queue. Two transports are supported behind one interface: RabbitMQ for
// multi-process deployments and an in-process channel for single-binary mode.
// Delivery is at-least-once; consumers rely on the catalog's dedup rule and
// idempotent status transitions to absorb duplicates.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/relayerr"
)

// TaskKind discriminates queued work.
type TaskKind string

const (
	// KindLocalTask asks a worker to execute a local QueryTask.
	KindLocalTask TaskKind = "local_query_task"
	// KindRemoteTask asks a worker to submit a QueryTaskRemote to its peer.
	KindRemoteTask TaskKind = "remote_query_task"
)

// TaskMessage is the queued payload: full task details live in the catalog.
type TaskMessage struct {
	Kind TaskKind  `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// Queue is a publisher/subscriber pair over the configured broker.
type Queue struct {
	pub   message.Publisher
	sub   message.Subscriber
	topic string
}

// New builds a queue from the broker options. The in-process variant wires
// publisher and subscriber to the same channel and is only meaningful when
// server and worker share a process.
func New(opts config.MessageBrokerOptions) (*Queue, error) {
	logger := watermill.NewSlogLogger(slog.Default())

	switch opts.Type {
	case config.BrokerInProcess:
		ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
		return &Queue{pub: ch, sub: ch, topic: "relay-query-tasks"}, nil

	case config.BrokerRabbitMQ:
		ro := opts.RabbitMQ
		if ro == nil {
			return nil, relayerr.New(relayerr.Messaging, "RabbitMQ broker selected but no options provided")
		}
		uri := fmt.Sprintf("amqp://%s:%s@%s:%d/", ro.Username, ro.Password, ro.URL, ro.Port)
		cfg := wamqp.NewNonDurableQueueConfig(uri)

		pub, err := wamqp.NewPublisher(cfg, logger)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Messaging, "create amqp publisher", err)
		}
		sub, err := wamqp.NewSubscriber(cfg, logger)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.Messaging, "create amqp subscriber", err)
		}
		return &Queue{pub: pub, sub: sub, topic: ro.QueueID}, nil

	default:
		return nil, relayerr.Newf(relayerr.Messaging, "unknown broker type %q", opts.Type)
	}
}

// Publish enqueues a task message.
func (q *Queue) Publish(_ context.Context, task TaskMessage) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return relayerr.Wrap(relayerr.SerDe, "encode task message", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := q.pub.Publish(q.topic, msg); err != nil {
		return relayerr.Wrap(relayerr.Messaging, "publish task message", err)
	}
	return nil
}

// Messages subscribes to the task stream. Consumers must Ack or Nack every
// delivered message.
func (q *Queue) Messages(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := q.sub.Subscribe(ctx, q.topic)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Messaging, "subscribe to task queue", err)
	}
	return ch, nil
}

// Decode parses a delivered message into a TaskMessage.
func Decode(msg *message.Message) (TaskMessage, error) {
	var task TaskMessage
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return task, relayerr.Wrap(relayerr.BadMessage, "decode task message", err)
	}
	if task.Kind != KindLocalTask && task.Kind != KindRemoteTask {
		return task, relayerr.Newf(relayerr.BadMessage, "unknown task kind %q", task.Kind)
	}
	return task, nil
}

// Close shuts down both ends of the queue.
func (q *Queue) Close() error {
	if err := q.pub.Close(); err != nil {
		return err
	}
	return q.sub.Close()
}
