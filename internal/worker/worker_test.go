package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	pipeline "github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/cuongbtq/formrelay/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeAcker struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) snapshot() ([]uint64, []nackCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...), append([]nackCall(nil), a.nacks...)
}

type fakeSource struct {
	ch  chan amqp.Delivery
	err error
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[domain.Trigger]int
	err     error
	block   chan struct{}
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[domain.Trigger]int)}
}

func (r *fakeRunner) Origins() []string { return []string{"commcare", "salesforce"} }

func (r *fakeRunner) Dispatch(ctx context.Context, origin string) (*dispatcher.Report, error) {
	return r.run(domain.Trigger{Origin: origin, Mode: domain.ModeDispatch})
}

func (r *fakeRunner) Retry(ctx context.Context, origin string) (*dispatcher.Report, error) {
	return r.run(domain.Trigger{Origin: origin, Mode: domain.ModeRetry})
}

func (r *fakeRunner) run(t domain.Trigger) (*dispatcher.Report, error) {
	r.mu.Lock()
	r.calls[t]++
	first := r.calls[t] == 1
	r.mu.Unlock()

	if first && r.block != nil {
		r.started <- struct{}{}
		<-r.block
	}
	if r.err != nil {
		return nil, r.err
	}
	return &dispatcher.Report{Origin: t.Origin, Selected: 1, Completed: 1}, nil
}

func (r *fakeRunner) count(t domain.Trigger) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[t]
}

func startWorker(t *testing.T, runner Runner, concurrency int) (chan amqp.Delivery, *fakeAcker) {
	t.Helper()

	ch := make(chan amqp.Delivery)
	w := NewWorker(&Config{
		Logger:      discard,
		Runner:      runner,
		Source:      &fakeSource{ch: ch},
		Concurrency: concurrency,
		WorkerID:    "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		w.Stop()
	})
	return ch, &fakeAcker{}
}

func send(ch chan amqp.Delivery, acker *fakeAcker, tag uint64, body string) {
	ch <- amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, Body: []byte(body)}
}

func TestWorker_RunsOneCyclePerTrigger(t *testing.T) {
	runner := newFakeRunner()
	ch, acker := startWorker(t, runner, 2)

	send(ch, acker, 1, `{"origin":"commcare","mode":"dispatch"}`)
	send(ch, acker, 2, `{"origin":"salesforce","mode":"retry"}`)

	assert.Eventually(t, func() bool {
		acks, _ := acker.snapshot()
		return len(acks) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, runner.count(domain.Trigger{Origin: "commcare", Mode: domain.ModeDispatch}))
	assert.Equal(t, 1, runner.count(domain.Trigger{Origin: "salesforce", Mode: domain.ModeRetry}))
	assert.Equal(t, 0, runner.count(domain.Trigger{Origin: "commcare", Mode: domain.ModeRetry}))
}

func TestWorker_DropsInvalidTriggers(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `not json`},
		{name: "unknown mode", body: `{"origin":"commcare","mode":"replay"}`},
		{name: "unknown origin", body: `{"origin":"kobo","mode":"dispatch"}`},
		{name: "missing origin", body: `{"mode":"dispatch"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			ch, acker := startWorker(t, runner, 1)

			send(ch, acker, 7, tt.body)

			assert.Eventually(t, func() bool {
				_, nacks := acker.snapshot()
				return len(nacks) == 1
			}, time.Second, 5*time.Millisecond)

			acks, nacks := acker.snapshot()
			assert.Empty(t, acks)
			assert.Equal(t, nackCall{tag: 7, requeue: false}, nacks[0])
			assert.Empty(t, runner.calls)
		})
	}
}

func TestWorker_CycleErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantRequeue bool
	}{
		{
			name:        "store unavailable is requeued",
			err:         fmt.Errorf("failed to select new jobs for commcare: %w", pipeline.ErrStoreUnavailable),
			wantRequeue: true,
		},
		{
			name:        "other errors are dropped",
			err:         fmt.Errorf("%w: commcare", pipeline.ErrUnknownOrigin),
			wantRequeue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.err = tt.err
			ch, acker := startWorker(t, runner, 1)

			send(ch, acker, 3, `{"origin":"commcare","mode":"dispatch"}`)

			assert.Eventually(t, func() bool {
				_, nacks := acker.snapshot()
				return len(nacks) == 1
			}, time.Second, 5*time.Millisecond)

			_, nacks := acker.snapshot()
			assert.Equal(t, nackCall{tag: 3, requeue: tt.wantRequeue}, nacks[0])
		})
	}
}

func TestWorker_CoalescesTriggersForRunningCycle(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	runner.started = make(chan struct{}, 1)
	ch, acker := startWorker(t, runner, 3)

	send(ch, acker, 1, `{"origin":"commcare","mode":"dispatch"}`)
	<-runner.started

	send(ch, acker, 2, `{"origin":"commcare","mode":"dispatch"}`)
	send(ch, acker, 3, `{"origin":"commcare","mode":"dispatch"}`)

	assert.Eventually(t, func() bool {
		acks, _ := acker.snapshot()
		return len(acks) == 2
	}, time.Second, 5*time.Millisecond)

	close(runner.block)

	assert.Eventually(t, func() bool {
		acks, _ := acker.snapshot()
		return len(acks) == 3
	}, time.Second, 5*time.Millisecond)

	acks, _ := acker.snapshot()
	assert.ElementsMatch(t, []uint64{1, 2, 3}, acks)
	// Two coalesced triggers need exactly one extra pass.
	assert.Equal(t, 2, runner.count(domain.Trigger{Origin: "commcare", Mode: domain.ModeDispatch}))
}

func TestWorker_StartErrors(t *testing.T) {
	t.Run("consume fails", func(t *testing.T) {
		w := NewWorker(&Config{
			Logger: discard,
			Runner: newFakeRunner(),
			Source: &fakeSource{err: errors.New("channel closed")},
		})

		err := w.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start consuming")
	})

	t.Run("delivery channel closes", func(t *testing.T) {
		ch := make(chan amqp.Delivery)
		w := NewWorker(&Config{
			Logger: discard,
			Runner: newFakeRunner(),
			Source: &fakeSource{ch: ch},
		})
		close(ch)

		ctx, cancel := context.WithCancel(context.Background())
		err := w.Start(ctx)
		cancel()
		w.Stop()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "delivery channel closed")
	})
}

func TestCycleGate(t *testing.T) {
	g := newCycleGate()
	tr := domain.Trigger{Origin: "commcare", Mode: domain.ModeDispatch}
	other := domain.Trigger{Origin: "commcare", Mode: domain.ModeRetry}

	require.True(t, g.enter(tr))
	assert.True(t, g.enter(other), "modes are gated separately")

	assert.False(t, g.enter(tr))
	assert.False(t, g.enter(tr))

	assert.True(t, g.leave(tr), "coalesced triggers ask for one more pass")
	assert.False(t, g.leave(tr))

	assert.True(t, g.enter(tr), "gate is free after leave")
	g.release(tr)
	assert.True(t, g.enter(tr))
}
