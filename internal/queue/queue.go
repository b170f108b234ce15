package queue

import (
	"context"
	"fmt"
)

// Publisher publishes cycle trigger messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg CycleMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg CycleMessage) error

// Consumer consumes cycle trigger messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// CycleQueue carries requests to run a processing cycle.
	CycleQueue = "campaign.cycle"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the cycle queue.
	queueMaxPriority int32 = 2
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.campaign.cycle.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues declared by the topology.
func WorkQueueNames() []string {
	return []string{CycleQueue}
}

// PriorityValue maps a trigger reason to RabbitMQ message priority.
// Admin actions on a single campaign jump ahead of sweeping triggers.
func PriorityValue(reason TriggerReason) uint8 {
	switch reason {
	case ReasonStart, ReasonResume:
		return 2
	case ReasonManual, ReasonSchedule:
		return 1
	default:
		return 0
	}
}
