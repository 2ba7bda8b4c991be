package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/mtpcore/pkg/interfaces"
)

func TestBusImplementsInterface(t *testing.T) {
	var _ interfaces.EventBus = (*Bus)(nil)
}

func TestNewBusStartsEmpty(t *testing.T) {
	b := New()
	require.NotNil(t, b.nodes)
	assert.Empty(t, b.GetAllEventTypes())
}

type testEvent struct{ Value int }

func TestSubscribeReturnsUsableChannel(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(new(testEvent))
	require.NoError(t, err)
	require.NotNil(t, sub.Out())
	sub.Close()
}

func TestSubscribeRejectsNilAndNonPointer(t *testing.T) {
	b := New()
	_, err := b.Subscribe(nil)
	assert.ErrorIs(t, err, ErrInvalidEventType)

	_, err = b.Subscribe(testEvent{})
	assert.ErrorIs(t, err, ErrNonPointerType)
}

func TestEmitAndReceive(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(new(testEvent))
	require.NoError(t, err)
	defer sub.Close()

	em, err := b.Emitter(new(testEvent))
	require.NoError(t, err)
	defer em.Close()

	require.NoError(t, em.Emit(testEvent{Value: 42}))

	select {
	case evt := <-sub.Out():
		got, ok := evt.(testEvent)
		require.True(t, ok)
		assert.Equal(t, 42, got.Value)
	case <-time.After(time.Second):
		t.Fatal("did not receive emitted event")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	sub1, _ := b.Subscribe(new(testEvent))
	defer sub1.Close()
	sub2, _ := b.Subscribe(new(testEvent))
	defer sub2.Close()

	em, _ := b.Emitter(new(testEvent))
	defer em.Close()

	require.NoError(t, em.Emit(testEvent{Value: 7}))

	for _, sub := range []interfaces.Subscription{sub1, sub2} {
		select {
		case evt := <-sub.Out():
			assert.Equal(t, 7, evt.(testEvent).Value)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

type otherEvent struct{ Name string }

func TestDifferentEventTypesAreIsolated(t *testing.T) {
	b := New()
	subA, _ := b.Subscribe(new(testEvent))
	defer subA.Close()
	subB, _ := b.Subscribe(new(otherEvent))
	defer subB.Close()

	emA, _ := b.Emitter(new(testEvent))
	defer emA.Close()
	require.NoError(t, emA.Emit(testEvent{Value: 1}))

	select {
	case evt := <-subA.Out():
		assert.Equal(t, 1, evt.(testEvent).Value)
	case <-time.After(time.Second):
		t.Fatal("subA did not receive its event")
	}

	select {
	case <-subB.Out():
		t.Fatal("subB should not receive testEvent")
	default:
	}
}

func TestGetAllEventTypesTracksActiveNodes(t *testing.T) {
	b := New()
	assert.Empty(t, b.GetAllEventTypes())

	sub1, _ := b.Subscribe(new(testEvent))
	sub2, _ := b.Subscribe(new(otherEvent))

	assert.Len(t, b.GetAllEventTypes(), 2)

	sub1.Close()
	sub2.Close()
}

func TestCloseDropsEmptyNode(t *testing.T) {
	b := New()
	sub, _ := b.Subscribe(new(testEvent))
	require.Len(t, b.GetAllEventTypes(), 1)

	sub.Close()
	assert.Eventually(t, func() bool {
		return len(b.GetAllEventTypes()) == 0
	}, time.Second, time.Millisecond)
}

func TestStatefulEmitterReplaysLastEventToNewSubscriber(t *testing.T) {
	b := New()
	em, err := b.Emitter(new(testEvent), interfaces.Stateful())
	require.NoError(t, err)
	defer em.Close()

	require.NoError(t, em.Emit(testEvent{Value: 9}))

	sub, err := b.Subscribe(new(testEvent))
	require.NoError(t, err)
	defer sub.Close()

	select {
	case evt := <-sub.Out():
		assert.Equal(t, 9, evt.(testEvent).Value)
	case <-time.After(time.Second):
		t.Fatal("late subscriber did not receive replayed event")
	}
}

func TestSlowConsumerEventsAreDroppedNotBlocking(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(new(testEvent), interfaces.BufSize(1))
	require.NoError(t, err)
	defer sub.Close()

	em, err := b.Emitter(new(testEvent))
	require.NoError(t, err)
	defer em.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			em.Emit(testEvent{Value: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow consumer instead of dropping")
	}
}

func TestEmitAfterCloseReturnsError(t *testing.T) {
	b := New()
	em, err := b.Emitter(new(testEvent))
	require.NoError(t, err)
	require.NoError(t, em.Close())

	assert.Error(t, em.Emit(testEvent{Value: 1}))
}
