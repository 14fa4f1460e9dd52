// Package pubsub delivers appended revisions to every session of a document.
package pubsub

import (
	"context"

	"github.com/knemerzitski/notes-sub015/server/common"
)

// subscriptionBuffer is the number of undelivered messages a subscription may
// hold before it is considered too slow.
const subscriptionBuffer = 256

type Broker interface {
	Publish(ctx context.Context, msg common.RevisionAppended) error
	Subscribe(ctx context.Context, documentID string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// C is closed when the subscription ends, including when the subscriber
	// falls too far behind.
	C() <-chan common.RevisionAppended
	Close() error
}
