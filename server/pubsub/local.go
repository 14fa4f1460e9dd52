package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/knemerzitski/notes-sub015/server/common"
)

// ErrClosed is returned when using a closed broker.
var ErrClosed = errors.New("pubsub: broker closed")

// Local fans messages out within a single process. All subscriber state is
// owned by the run goroutine.
type Local struct {
	clients     map[string]map[*localSub]bool // set of active subscribers per document
	subscribe   chan *localSub
	unsubscribe chan *localSub
	broadcast   chan common.RevisionAppended
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

type localSub struct {
	b          *Local
	documentID string
	c          chan common.RevisionAppended
	closeOnce  sync.Once
}

func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Local{
		clients:     make(map[string]map[*localSub]bool),
		subscribe:   make(chan *localSub),
		unsubscribe: make(chan *localSub),
		broadcast:   make(chan common.RevisionAppended),
		done:        make(chan struct{}),
		logger:      logger,
	}
	go b.run()
	return b
}

func (b *Local) run() {
	for {
		select {
		case s := <-b.subscribe:
			if b.clients[s.documentID] == nil {
				b.clients[s.documentID] = make(map[*localSub]bool)
			}
			b.clients[s.documentID][s] = true
		case s := <-b.unsubscribe:
			b.drop(s)
		case msg := <-b.broadcast:
			for s := range b.clients[msg.DocumentId] {
				select {
				case s.c <- msg:
				default:
					b.logger.Warn("dropping slow subscriber", "document", msg.DocumentId)
					b.drop(s)
				}
			}
		case <-b.done:
			for _, subs := range b.clients {
				for s := range subs {
					close(s.c)
				}
			}
			b.clients = nil
			return
		}
	}
}

func (b *Local) drop(s *localSub) {
	subs := b.clients[s.documentID]
	if !subs[s] {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.clients, s.documentID)
	}
	close(s.c)
}

func (b *Local) Publish(ctx context.Context, msg common.RevisionAppended) error {
	select {
	case b.broadcast <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Local) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	s := &localSub{b: b, documentID: documentID, c: make(chan common.RevisionAppended, subscriptionBuffer)}
	select {
	case b.subscribe <- s:
		return s, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Local) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (s *localSub) C() <-chan common.RevisionAppended {
	return s.c
}

func (s *localSub) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.b.unsubscribe <- s:
		case <-s.b.done:
		}
	})
	return nil
}
