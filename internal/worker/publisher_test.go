package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/formrelay/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMQ struct {
	mu           sync.Mutex
	bodies       []string
	contentTypes []string
	err          error
}

func (m *fakeMQ) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, string(body))
	m.contentTypes = append(m.contentTypes, contentType)
	return nil
}

func TestPublisher_JobAccepted(t *testing.T) {
	mq := &fakeMQ{}
	p := NewPublisher(mq, discard)

	require.NoError(t, p.JobAccepted(context.Background(), "commcare"))

	require.Len(t, mq.bodies, 1)
	assert.JSONEq(t, `{"origin":"commcare","mode":"dispatch"}`, mq.bodies[0])
	assert.Equal(t, "application/json", mq.contentTypes[0])
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("invalid trigger is not sent", func(t *testing.T) {
		mq := &fakeMQ{}
		err := NewPublisher(mq, discard).Publish(context.Background(), domain.Trigger{Origin: "commcare", Mode: "later"})

		assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
		assert.Empty(t, mq.bodies)
	})

	t.Run("broker failure is wrapped", func(t *testing.T) {
		brokerErr := errors.New("connection reset")
		err := NewPublisher(&fakeMQ{err: brokerErr}, discard).
			Publish(context.Background(), domain.Trigger{Origin: "salesforce", Mode: domain.ModeRetry})

		assert.ErrorIs(t, err, brokerErr)
		assert.Contains(t, err.Error(), "salesforce/retry")
	})
}

type recordingPublisher struct {
	mu   sync.Mutex
	seen map[domain.Trigger]int
}

func (p *recordingPublisher) Publish(ctx context.Context, t domain.Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[t]++
	return nil
}

func (p *recordingPublisher) has(t domain.Trigger) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[t] > 0
}

func TestScheduler_PublishesForEveryOrigin(t *testing.T) {
	pub := &recordingPublisher{seen: make(map[domain.Trigger]int)}
	s := NewScheduler(pub, []string{"commcare", "salesforce"}, 5*time.Millisecond, 5*time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return pub.has(domain.Trigger{Origin: "commcare", Mode: domain.ModeDispatch}) &&
			pub.has(domain.Trigger{Origin: "commcare", Mode: domain.ModeRetry}) &&
			pub.has(domain.Trigger{Origin: "salesforce", Mode: domain.ModeDispatch}) &&
			pub.has(domain.Trigger{Origin: "salesforce", Mode: domain.ModeRetry})
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestScheduler_OnlyConfiguredModes(t *testing.T) {
	pub := &recordingPublisher{seen: make(map[domain.Trigger]int)}
	s := NewScheduler(pub, []string{"commcare"}, 0, 5*time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return pub.has(domain.Trigger{Origin: "commcare", Mode: domain.ModeRetry})
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.False(t, pub.has(domain.Trigger{Origin: "commcare", Mode: domain.ModeDispatch}))
}

func TestScheduler_DisabledReturnsImmediately(t *testing.T) {
	s := NewScheduler(&recordingPublisher{seen: map[domain.Trigger]int{}}, []string{"commcare"}, 0, 0, discard)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler did not return")
	}
}
