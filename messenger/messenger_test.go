package messenger

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessenger() (*Messenger, *logger.TestLogger) {
	log := logger.NewTestLogger()
	return New(WithLogger(log)), log
}

func TestSubscribeAddsSubscriber(t *testing.T) {
	m, _ := newTestMessenger()
	sub := NewSubscriber(func(string, any) {})

	m.Subscribe("testKey", sub)

	assert.True(t, m.HasSubscribers("testKey"))
	assert.False(t, m.HasSubscribers("other"))
	assert.Equal(t, []string{"testKey"}, m.Keys())
	runtime.KeepAlive(sub)
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	m, _ := newTestMessenger()
	sub := NewSubscriber(func(string, any) {})

	m.Subscribe("testKey", sub)
	m.Unsubscribe("testKey", sub)

	assert.False(t, m.HasSubscribers("testKey"))
	assert.Empty(t, m.subs)
}

func TestUnsubscribeOnlyMatchingSubscriber(t *testing.T) {
	m, _ := newTestMessenger()
	var a, b int
	subA := NewSubscriber(func(string, any) { a++ })
	subB := NewSubscriber(func(string, any) { b++ })

	m.Subscribe("k", subA)
	m.Subscribe("k", subB)
	m.Unsubscribe("k", subA)
	m.Send("k", 1)

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	runtime.KeepAlive(subB)
}

func TestSendInvokesSubscriber(t *testing.T) {
	m, _ := newTestMessenger()
	var gotKey string
	var gotValue any
	sub := NewSubscriber(func(k string, v any) {
		gotKey = k
		gotValue = v
	})

	m.Subscribe("testKey", sub)
	n := m.Send("testKey", "payload")

	assert.Equal(t, 1, n)
	assert.Equal(t, "testKey", gotKey)
	assert.Equal(t, "payload", gotValue)
	runtime.KeepAlive(sub)
}

func TestSendNotInvokeUnsubscribedSubscriber(t *testing.T) {
	m, _ := newTestMessenger()
	received := false
	sub := NewSubscriber(func(string, any) { received = true })

	m.Subscribe("testKey", sub)
	m.Unsubscribe("testKey", sub)
	assert.Equal(t, 0, m.Send("testKey", struct{}{}))

	assert.False(t, received)
}

func TestSendUnknownKeyIsNoop(t *testing.T) {
	m, _ := newTestMessenger()
	assert.Equal(t, 0, m.Send("missing", 1))
}

func TestSendRegistrationOrderAndDuplicates(t *testing.T) {
	m, _ := newTestMessenger()
	var order []string
	first := NewSubscriber(func(string, any) { order = append(order, "first") })
	second := NewSubscriber(func(string, any) { order = append(order, "second") })

	m.Subscribe("k", first)
	m.Subscribe("k", second)
	m.Subscribe("k", first)

	assert.Equal(t, 3, m.Send("k", nil))
	assert.Equal(t, []string{"first", "second", "first"}, order)

	m.Unsubscribe("k", first)
	order = nil
	m.Send("k", nil)
	assert.Equal(t, []string{"second"}, order)
	runtime.KeepAlive(second)
}

func TestSendRecoversPanickingSubscriber(t *testing.T) {
	m, log := newTestMessenger()
	delivered := false
	bad := NewSubscriber(func(string, any) { panic("boom") })
	good := NewSubscriber(func(string, any) { delivered = true })

	m.Subscribe("k", bad)
	m.Subscribe("k", good)

	assert.NotPanics(t, func() { m.Send("k", 1) })
	assert.True(t, delivered)
	assert.Equal(t, 1, log.Count("ERROR"))
	runtime.KeepAlive(bad)
	runtime.KeepAlive(good)
}

func TestHandlerMaySubscribeDuringSend(t *testing.T) {
	m, _ := newTestMessenger()
	late := NewSubscriber(func(string, any) {})
	var self *Subscriber
	self = NewSubscriber(func(k string, _ any) {
		m.Unsubscribe(k, self)
		m.Subscribe(k, late)
	})
	m.Subscribe("k", self)

	done := make(chan struct{})
	go func() {
		m.Send("k", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send deadlocked")
	}
	assert.True(t, m.HasSubscribers("k"))
	assert.Equal(t, 1, m.Send("k", 2))
	runtime.KeepAlive(late)
	runtime.KeepAlive(self)
}

func subscribeTemporary(m *Messenger, key string, hits *atomic.Int32) {
	m.Subscribe(key, NewSubscriber(func(string, any) { hits.Add(1) }))
}

func TestSendRemovesDeadReferences(t *testing.T) {
	m, _ := newTestMessenger()
	var hits atomic.Int32
	subscribeTemporary(m, "testKey", &hits)

	require.Eventually(t, func() bool {
		runtime.GC()
		m.Send("testKey", struct{}{})
		return !m.HasSubscribers("testKey")
	}, 2*time.Second, 10*time.Millisecond)

	m.mu.RLock()
	_, present := m.subs["testKey"]
	m.mu.RUnlock()
	assert.False(t, present)

	before := hits.Load()
	m.Send("testKey", struct{}{})
	assert.Equal(t, before, hits.Load())
}

func TestDeadReferencesPrunedOnSubscribe(t *testing.T) {
	m, _ := newTestMessenger()
	var hits atomic.Int32
	subscribeTemporary(m, "k", &hits)
	require.Eventually(t, func() bool {
		runtime.GC()
		return !m.HasSubscribers("k")
	}, 2*time.Second, 10*time.Millisecond)

	keep := NewSubscriber(func(string, any) {})
	m.Subscribe("k", keep)

	m.mu.RLock()
	assert.Len(t, m.subs["k"], 1)
	m.mu.RUnlock()
	runtime.KeepAlive(keep)
}

func TestConcurrentAccess(t *testing.T) {
	m, _ := newTestMessenger()
	var received atomic.Int64
	subs := make([]*Subscriber, 16)
	for i := range subs {
		subs[i] = NewSubscriber(func(string, any) { received.Add(1) })
	}

	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(2)
		go func(s *Subscriber) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Subscribe("k", s)
				m.Unsubscribe("k", s)
			}
		}(s)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Send("k", i)
				m.HasSubscribers("k")
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, m.HasSubscribers("k"))
	runtime.KeepAlive(subs)
}
