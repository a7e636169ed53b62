package plugin

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

func newTestEmitter() *Emitter {
	return NewEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmitter_DeliversToAllSubscribers(t *testing.T) {
	e := newTestEmitter()

	var a, b atomic.Int32
	e.Subscribe(func(ev model.Event) { a.Add(1) })
	e.Subscribe(func(ev model.Event) { b.Add(1) })

	e.Emit(model.Event{Type: model.EventPostPublished, OccurredAt: time.Now()})

	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("全購読者へ配信されるべき: a=%d b=%d", a.Load(), b.Load())
	}
}

func TestEmitter_UnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEmitter()

	var count atomic.Int32
	id := e.Subscribe(func(ev model.Event) { count.Add(1) })

	e.Emit(model.Event{Type: model.EventPostScheduled})
	e.Unsubscribe(id)
	e.Emit(model.Event{Type: model.EventPostScheduled})

	if got := count.Load(); got != 1 {
		t.Errorf("解除後は配信されないべき: count = %d", got)
	}
}

func TestEmitter_UnsubscribeUnknownIDIsNoop(t *testing.T) {
	e := newTestEmitter()
	e.Unsubscribe(999) // panicしなければよい
}

func TestEmitter_PanicInSubscriberDoesNotStopOthers(t *testing.T) {
	e := newTestEmitter()

	var delivered atomic.Int32
	e.Subscribe(func(ev model.Event) { panic("購読者の不具合") })
	e.Subscribe(func(ev model.Event) { delivered.Add(1) })

	e.Emit(model.Event{Type: model.EventPostFailed})

	if got := delivered.Load(); got != 1 {
		t.Errorf("panic後も残りの購読者へ配信されるべき: delivered = %d", got)
	}
}

func TestEmitter_ConcurrentEmitAndSubscribe(t *testing.T) {
	e := newTestEmitter()

	var received atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := e.Subscribe(func(ev model.Event) { received.Add(1) })
			e.Emit(model.Event{Type: model.EventPostExecuting})
			e.Unsubscribe(id)
		}()
	}
	wg.Wait()

	// データ競合なく完走し、少なくとも自分の購読分は受信している
	if received.Load() < 10 {
		t.Errorf("受信数 = %d, want >= 10", received.Load())
	}
}
