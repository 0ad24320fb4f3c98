package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnProcessorPool spawns N processor goroutines
func (w *Worker) spawnProcessorPool(ctx context.Context) {
	w.logger.Info("Spawning processor pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processorLoop(ctx, i)
	}
}

// processorLoop is the main processing loop for each pool goroutine.
// Task outcomes land in the task's own state record, so messages are
// ACKed after processing regardless of success; failed tasks are terminal
// results, not broker retries.
func (w *Worker) processorLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Processor goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Processor goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Processor goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.tasksChan:
			if !ok {
				return
			}

			w.logger.Debug("Processor received task",
				slog.String("worker_name", workerName),
				slog.String("task_id", msg.envelope.TaskID),
				slog.String("task", msg.envelope.Name),
			)

			w.processTask(ctx, msg.envelope)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK",
					slog.String("worker_name", workerName),
					slog.String("task_id", msg.envelope.TaskID),
				)
				continue
			}

			if ackErr := channel.Ack(msg.deliveryTag, false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("task_id", msg.envelope.TaskID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}
