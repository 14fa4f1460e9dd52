package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/knemerzitski/notes-sub015/server/common"
)

// Redis relays messages through Redis channels so that several server
// processes can share documents. Each document maps to channel prefix:id.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if prefix == "" {
		prefix = "revisions"
	}
	return &Redis{rdb: rdb, prefix: prefix, logger: logger}
}

func (b *Redis) channel(documentID string) string {
	return b.prefix + ":" + documentID
}

func (b *Redis) Publish(ctx context.Context, msg common.RevisionAppended) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(msg.DocumentId), payload).Err(); err != nil {
		return fmt.Errorf("publish revision %d of %s: %w", msg.Revision, msg.DocumentId, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(documentID))
	// Wait for the subscription to be confirmed so no later publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}
	s := &redisSub{
		ps:   ps,
		c:    make(chan common.RevisionAppended, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go s.forward(b.logger.With("document", documentID))
	return s, nil
}

// Close does not close the client, which is owned by the caller.
func (b *Redis) Close() error {
	return nil
}

type redisSub struct {
	ps        *redis.PubSub
	c         chan common.RevisionAppended
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSub) forward(logger *slog.Logger) {
	defer close(s.c)
	for m := range s.ps.Channel() {
		var msg common.RevisionAppended
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			logger.Error("decode revision", "error", err)
			continue
		}
		select {
		case s.c <- msg:
		case <-s.done:
			return
		default:
			logger.Warn("dropping slow subscriber")
			s.Close()
			return
		}
	}
}

func (s *redisSub) C() <-chan common.RevisionAppended {
	return s.c
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
