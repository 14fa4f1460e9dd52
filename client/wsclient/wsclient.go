// Package wsclient connects a collab session to a hub over websocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/knemerzitski/notes-sub015/client/collab"
	"github.com/knemerzitski/notes-sub015/server/common"
	"github.com/knemerzitski/notes-sub015/server/ot"
)

var (
	ErrClosed         = errors.New("wsclient: client closed")
	ErrConnectionLost = errors.New("wsclient: connection lost")
)

type Options struct {
	Session collab.Options
	Logger  *slog.Logger
	// MaxElapsedTime bounds how long dialing is retried. Zero retries until
	// the context is done.
	MaxElapsedTime time.Duration
}

// Client implements collab.Transport over one websocket connection at a
// time, redialing when the connection drops.
type Client struct {
	url        string
	documentID string
	opts       Options
	logger     *slog.Logger
	session    *collab.Service

	writeMu sync.Mutex // serializes writes to conn

	mu       sync.Mutex // protects the fields below
	conn     *websocket.Conn
	clientID string
	done     chan struct{} // closed when the read loop of conn exits
	requests map[string]chan common.SubmitResult
	closed   bool
}

// Dial connects to the hub at url, opens documentID and starts a session on
// its latest revision.
func Dial(ctx context.Context, url, documentID string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	c := &Client{
		url:        url,
		documentID: documentID,
		opts:       opts,
		logger:     opts.Logger.With("document", documentID),
		requests:   make(map[string]chan common.SubmitResult),
	}
	conn, sn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.session = collab.New(documentID, sn.Revision, sn.Text, c, opts.Session)
	c.start(conn, sn.ClientId)
	return c, nil
}

func (c *Client) Session() *collab.Service {
	return c.session
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// connect dials with exponential backoff and reads the document snapshot.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, common.Snapshot, error) {
	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.MaxElapsedTime
	err := backoff.Retry(func() error {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("dial failed", "url", c.url, "error", err)
			return err
		}
		conn = ws
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, common.Snapshot{}, fmt.Errorf("dial %s: %w", c.url, err)
	}

	if err := conn.WriteJSON(&common.Init{Type: "Init", DocumentId: c.documentID}); err != nil {
		conn.Close()
		return nil, common.Snapshot{}, err
	}
	sn, err := readSnapshot(conn)
	if err != nil {
		conn.Close()
		return nil, common.Snapshot{}, err
	}
	c.logger.Info("connected", "client", sn.ClientId, "revision", sn.Revision)
	return conn, sn, nil
}

func readSnapshot(conn *websocket.Conn) (common.Snapshot, error) {
	var sn common.Snapshot
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return sn, err
	}
	var mt common.MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return sn, err
	}
	switch mt.Type {
	case "Snapshot":
		err = json.Unmarshal(buf, &sn)
	case "Error":
		var msg common.Error
		if err = json.Unmarshal(buf, &msg); err == nil {
			err = fmt.Errorf("init: %s", msg.Message)
		}
	default:
		err = fmt.Errorf("init: unexpected message type: %s", mt.Type)
	}
	return sn, err
}

func (c *Client) start(conn *websocket.Conn, clientID string) {
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.clientID = clientID
	c.done = done
	c.mu.Unlock()
	go c.readLoop(conn, done)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("read", "error", err)
			}
			return
		}
		c.dispatch(buf)
	}
}

func (c *Client) dispatch(buf []byte) {
	var mt common.MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		c.logger.Warn("decode message", "error", err)
		return
	}
	switch mt.Type {
	case "RevisionAppended":
		var msg common.RevisionAppended
		if err := json.Unmarshal(buf, &msg); err != nil {
			// The gap is filled by the next submission's missed revisions.
			c.logger.Warn("decode revision", "error", err)
			return
		}
		if err := c.session.ReceiveRevision(msg.Revision, msg.Changeset, msg.SubmissionId); err != nil {
			c.logger.Warn("receive revision", "revision", msg.Revision, "error", err)
		}
	case "SubmitResult":
		var msg common.SubmitResult
		if err := json.Unmarshal(buf, &msg); err != nil {
			c.logger.Warn("decode submit result", "error", err)
			return
		}
		c.mu.Lock()
		ch := c.requests[msg.RequestId]
		delete(c.requests, msg.RequestId)
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	case "Error":
		var msg common.Error
		if err := json.Unmarshal(buf, &msg); err == nil {
			c.logger.Warn("server error", "message", msg.Message)
		}
	default:
		c.logger.Warn("unknown message type", "type", mt.Type)
	}
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// SubmitChangeset sends a submission and waits for its result.
func (c *Client) SubmitChangeset(ctx context.Context, documentID, submissionID string, baseRevision int, cs ot.Changeset) (common.SubmitResult, error) {
	id := uuid.NewString()
	ch := make(chan common.SubmitResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return common.SubmitResult{}, ErrClosed
	}
	conn, done := c.conn, c.done
	c.requests[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
	}()

	err := c.write(conn, &common.Submit{
		Type:         "Submit",
		RequestId:    id,
		DocumentId:   documentID,
		SubmissionId: submissionID,
		BaseRevision: baseRevision,
		Changeset:    cs,
	})
	if err != nil {
		return common.SubmitResult{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-done:
		return common.SubmitResult{}, ErrConnectionLost
	case <-ctx.Done():
		return common.SubmitResult{}, ctx.Err()
	}
}

// Run submits local edits until ctx is done or the client is closed. A
// dropped connection is redialed. A session that fell out of step with the
// server is resynced from a fresh snapshot.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()

		runCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- c.session.Run(runCtx) }()
		var err error
		select {
		case err = <-errc:
		case <-done:
			cancel()
			err = <-errc
		}
		cancel()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case c.isClosed():
			return ErrClosed
		case errors.Is(err, collab.ErrSessionAbandoned):
			return err
		}
		c.logger.Warn("reconnecting", "error", err)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	old, done := c.conn, c.done
	c.mu.Unlock()
	old.Close()
	<-done

	conn, sn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	// Pending edits learn about missed revisions from their next submission.
	// Without any, the snapshot is the only way to catch up.
	if c.session.Err() != nil || (c.session.Status() == collab.Idle && c.session.Revision() != sn.Revision) {
		if err := c.session.Resync(sn.Revision, sn.Text); err != nil {
			conn.Close()
			return err
		}
	}
	c.start(conn, sn.ClientId)
	return nil
}

// Close closes the session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.session.Close()
	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("write close message", "error", err)
	}
	return conn.Close()
}
