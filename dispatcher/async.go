package dispatcher

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
)

type task struct {
	deviceID string
	readings []model.CanonicalReading
	ack      func()
}

// Async hands readings from network receive loops to the Enqueuer
// without blocking them. Tasks are sharded by device id onto
// single-consumer buffers, so one device's jobs keep their order.
type Async struct {
	enqueuer Enqueuer
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	shards []chan task
	wg     sync.WaitGroup
}

// NewAsync creates an async hand-off with shards buffers of size buffer.
// timeout bounds each Enqueue call.
func NewAsync(e Enqueuer, shards, buffer int, timeout time.Duration, m *metrics.Metrics) *Async {
	if shards <= 0 {
		shards = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &Async{
		enqueuer: e,
		timeout:  timeout,
		metrics:  m,
		shards:   make([]chan task, shards),
	}
	for i := range a.shards {
		a.shards[i] = make(chan task, buffer)
		a.wg.Add(1)
		go a.work(a.shards[i])
	}
	return a
}

func (a *Async) shard(deviceID string) chan task {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Submit queues readings for enqueue and returns immediately. It returns
// false when the device's buffer is full or the hand-off is stopped; the
// readings are dropped and ack is not called. ack, when not nil, runs
// after a successful enqueue.
func (a *Async) Submit(deviceID string, readings []model.CanonicalReading, ack func()) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.metrics.MessageDropped("stopped")
		return false
	}

	select {
	case a.shard(deviceID) <- task{deviceID: deviceID, readings: readings, ack: ack}:
		return true
	default:
		a.metrics.MessageDropped("buffer_full")
		logger.WithDevice(deviceID).Warnf("dispatch buffer full, dropping %d readings", len(readings))
		return false
	}
}

func (a *Async) work(ch chan task) {
	defer a.wg.Done()
	for t := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		_, err := a.enqueuer.Enqueue(ctx, t.deviceID, t.readings)
		cancel()

		if err != nil {
			a.metrics.MessageDropped("enqueue_failed")
			logger.WithDevice(t.deviceID).Errorf("dropping message: %v", err)
			continue
		}
		if t.ack != nil {
			t.ack()
		}
	}
}

// Stop rejects new submissions and waits until buffered tasks are done
func (a *Async) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, ch := range a.shards {
		close(ch)
	}
	a.mu.Unlock()

	a.wg.Wait()
}
