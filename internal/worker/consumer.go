package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mozilla/redash/internal/taskq"
)

// taskMessage pairs a decoded envelope with its broker delivery tag
type taskMessage struct {
	envelope    *taskq.Envelope
	deliveryTag uint64
}

// setupConsumers configures QoS and starts one consumer per queue
func (w *Worker) setupConsumers(ctx context.Context) (map[string]<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Prefetch bounds unacknowledged deliveries per consumer
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries := make(map[string]<-chan amqp.Delivery, len(w.queues))
	for _, queue := range w.queues {
		consumerTag := fmt.Sprintf("%s-%s", w.workerID, queue)

		ch, err := w.rabbitClient.Consume(queue, consumerTag)
		if err != nil {
			return nil, fmt.Errorf("failed to consume queue %s: %w", queue, err)
		}

		w.logger.Info("RabbitMQ consumer started",
			slog.String("consumer_tag", consumerTag),
			slog.String("queue", queue),
		)

		deliveries[queue] = ch
	}

	return deliveries, nil
}

// dispatchDeliveries decodes envelopes from one queue and hands them to
// the processor pool. Malformed messages are NACKed without requeue.
func (w *Worker) dispatchDeliveries(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	w.logger.Info("Task dispatcher started",
		slog.String("worker_id", w.workerID),
		slog.String("queue", queue),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Task dispatcher stopped - context canceled",
				slog.String("queue", queue),
			)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed",
					slog.String("queue", queue),
				)
				return
			}

			var envelope taskq.Envelope
			if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
				w.logger.Error("Failed to parse task envelope",
					slog.String("queue", queue),
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			msg := &taskMessage{
				envelope:    &envelope,
				deliveryTag: delivery.DeliveryTag,
			}

			select {
			case w.tasksChan <- msg:
				w.logger.Debug("Task dispatched to processor pool",
					slog.String("task_id", envelope.TaskID),
					slog.String("task", envelope.Name),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Task dispatcher stopped while dispatching",
					slog.String("queue", queue),
				)
				// Requeue so another worker picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
