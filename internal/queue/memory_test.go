package queue_test

import (
	"testing"

	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/queuetest"
)

func TestMemoryQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, cfg queue.Config) queue.Queue {
		return queue.NewMemoryQueue(cfg)
	})
}
