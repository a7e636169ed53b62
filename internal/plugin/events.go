package plugin

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/scheduler"
)

// Handler はイベントを受け取る購読者のコールバック。
type Handler func(model.Event)

// Emitter は型付きイベントの購読と配信を行う。
// 配信は同期で行い、購読者内でのpanicは回復して他の購読者への
// 配信を継続する。
type Emitter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// コンパイル時にインターフェース実装を検証する
var _ scheduler.EventEmitter = (*Emitter)(nil)

// NewEmitter はEmitterの新しいインスタンスを生成する。
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger:   logger,
		handlers: make(map[int]Handler),
	}
}

// Subscribe は購読者を登録し、Unsubscribeへ渡す購読IDを返す。
func (e *Emitter) Subscribe(h Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[e.nextID] = h
	return e.nextID
}

// Unsubscribe は購読を解除する。未知のIDは無視する。
func (e *Emitter) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.handlers, id)
}

// Emit は登録済みの全購読者へイベントを配信する。
func (e *Emitter) Emit(ev model.Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	// 購読者の処理中に購読変更があっても配信中のスナップショットには影響しない
	for _, h := range handlers {
		e.dispatch(h, ev)
	}
}

// dispatch は1購読者へイベントを渡す。panicは回復してログに記録する。
func (e *Emitter) dispatch(h Handler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("イベント購読者の処理中にpanicが発生しました",
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()

	h(ev)
}
