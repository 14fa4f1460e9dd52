// Package hub serves documents to clients over websocket and HTTP.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/knemerzitski/notes-sub015/server/common"
	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/pubsub"
	"github.com/knemerzitski/notes-sub015/server/reconcile"
)

const (
	bufSize       = 1024
	sendQueueSize = 64
	maxMessage    = 1 << 20
)

type Hub struct {
	reconciler *reconcile.Reconciler
	broker     pubsub.Broker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func New(r *reconcile.Reconciler, b pubsub.Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		reconciler: r,
		broker:     b,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufSize,
			WriteBufferSize: bufSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleConn).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}", h.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}/revisions", h.handleRevisions).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}/revisions", h.handleSubmit).Methods(http.MethodPost)
	return r
}

// submit reconciles a submission and announces accepted revisions to the
// other sessions of the document.
func (h *Hub) submit(ctx context.Context, clientID string, msg *common.Submit) (*common.SubmitResult, error) {
	res, err := h.reconciler.Submit(ctx, msg.DocumentId, msg.SubmissionId, msg.BaseRevision, msg.Changeset)
	if err != nil {
		return nil, err
	}
	if res.Accepted && !res.Duplicate {
		err := h.broker.Publish(ctx, common.RevisionAppended{
			Type:         "RevisionAppended",
			ClientId:     clientID,
			DocumentId:   msg.DocumentId,
			SubmissionId: msg.SubmissionId,
			Revision:     res.Revision,
			Changeset:    res.Changeset,
		})
		if err != nil {
			// The revision is stored; sessions that missed it catch up on their
			// next submission.
			h.logger.Error("publish revision", "document", msg.DocumentId, "revision", res.Revision, "error", err)
		}
	}
	return &common.SubmitResult{
		Type:             "SubmitResult",
		RequestId:        msg.RequestId,
		Accepted:         res.Accepted,
		Revision:         res.Revision,
		MissedChangesets: res.MissedChangesets(),
	}, nil
}

////////////////////////////////////////
// Websocket

type stream struct {
	h        *Hub
	conn     *websocket.Conn
	logger   *slog.Logger
	clientID string
	send     chan []byte
	done     chan struct{}

	mu         sync.Mutex // protects the fields below
	documentID string
	sub        pubsub.Subscription
}

func (s *stream) initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// write queues v for the writer goroutine.
func (s *stream) write(v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode message", "error", err)
		return
	}
	select {
	case s.send <- buf:
	case <-s.done:
	}
}

func (s *stream) writeError(what string, err error) {
	s.logger.Warn(what, "error", err)
	s.write(&common.Error{Type: "Error", Message: err.Error()})
}

func (s *stream) processInitMsg(ctx context.Context, msg *common.Init) {
	if s.initialized() {
		s.writeError("init", errors.New("already initialized"))
		return
	}
	// Subscribe before reading the snapshot so that no revision falls between.
	sub, err := s.h.broker.Subscribe(ctx, msg.DocumentId)
	if err != nil {
		s.writeError("subscribe", err)
		return
	}
	revision, text, err := s.h.reconciler.Snapshot(ctx, msg.DocumentId)
	if err != nil {
		sub.Close()
		s.writeError("snapshot", err)
		return
	}
	s.mu.Lock()
	s.documentID = msg.DocumentId
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("initialized", "document", msg.DocumentId, "revision", revision)

	s.write(&common.Snapshot{
		Type:     "Snapshot",
		ClientId: s.clientID,
		Revision: revision,
		Text:     text,
	})
	go s.forward(sub, revision)
}

// forward relays revisions appended by other clients after revision.
func (s *stream) forward(sub pubsub.Subscription, revision int) {
	for msg := range sub.C() {
		if msg.Revision <= revision || msg.ClientId == s.clientID {
			continue
		}
		s.write(&msg)
	}
	select {
	case <-s.done:
	default:
		// Dropped by the broker; the client reconnects and resyncs.
		s.logger.Warn("subscription ended, closing connection")
		s.conn.Close()
	}
}

func (s *stream) processSubmitMsg(ctx context.Context, msg *common.Submit) {
	s.mu.Lock()
	documentID := s.documentID
	s.mu.Unlock()
	if documentID == "" {
		s.writeSubmitError(msg.RequestId, errors.New("not initialized"))
		return
	}
	if msg.DocumentId == "" {
		msg.DocumentId = documentID
	}
	if msg.DocumentId != documentID {
		s.writeSubmitError(msg.RequestId, errors.New("submission for another document"))
		return
	}
	res, err := s.h.submit(ctx, s.clientID, msg)
	if err != nil {
		s.writeSubmitError(msg.RequestId, err)
		return
	}
	s.write(res)
}

func (s *stream) writeSubmitError(requestID string, err error) {
	s.logger.Warn("submit", "request", requestID, "error", err)
	s.write(&common.SubmitResult{Type: "SubmitResult", RequestId: requestID, Error: err.Error()})
}

func (s *stream) dispatch(ctx context.Context, buf []byte) {
	// TODO: Avoid decoding multiple times.
	var mt common.MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		s.writeError("decode message", err)
		return
	}
	switch mt.Type {
	case "Init":
		var msg common.Init
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.writeError("decode init", err)
			return
		}
		s.processInitMsg(ctx, &msg)
	case "Submit":
		var msg common.Submit
		if err := json.Unmarshal(buf, &msg); err != nil {
			// Answer the request so the client does not wait for it.
			s.writeSubmitError(msg.RequestId, err)
			return
		}
		s.processSubmitMsg(ctx, &msg)
	default:
		s.writeError("dispatch", errors.New("unknown message type: "+mt.Type))
	}
}

func (h *Hub) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade", "error", err)
		return
	}
	conn.SetReadLimit(maxMessage)
	s := &stream{
		h:        h,
		conn:     conn,
		clientID: uuid.NewString(),
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
	s.logger = h.logger.With("client", s.clientID)
	s.logger.Info("connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-s.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					s.logger.Warn("write", "error", err)
					conn.Close()
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read", "error", err)
			}
			break
		}
		s.dispatch(ctx, buf)
	}

	close(s.done)
	<-writerDone
	s.mu.Lock()
	if s.sub != nil {
		s.sub.Close()
	}
	s.mu.Unlock()
	conn.Close()
	s.logger.Info("disconnected")
}

////////////////////////////////////////
// HTTP

func (h *Hub) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", "error", err)
	}
}

func (h *Hub) writeHTTPError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reconcile.ErrInvalidDocument),
		errors.Is(err, reconcile.ErrInvalidRevision):
		status = http.StatusBadRequest
	case errors.Is(err, ot.ErrNotComposable):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, &common.Error{Type: "Error", Message: err.Error()})
}

func (h *Hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	revision, text, err := h.reconciler.Snapshot(r.Context(), documentID)
	if err != nil {
		h.writeHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &common.Snapshot{Type: "Snapshot", Revision: revision, Text: text})
}

func (h *Hub) handleRevisions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeHTTPError(w, reconcile.ErrInvalidRevision)
			return
		}
		since = n
	}
	records, err := h.reconciler.Revisions(r.Context(), documentID, since)
	if err != nil {
		h.writeHTTPError(w, err)
		return
	}
	revisions := make([]common.RevisionAppended, len(records))
	for i, rec := range records {
		revisions[i] = common.RevisionAppended{
			Type:         "RevisionAppended",
			DocumentId:   documentID,
			SubmissionId: rec.SubmissionID,
			Revision:     rec.Revision,
			Changeset:    rec.Changeset,
		}
	}
	h.writeJSON(w, http.StatusOK, revisions)
}

func (h *Hub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg common.Submit
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeJSON(w, http.StatusBadRequest, &common.Error{Type: "Error", Message: err.Error()})
		return
	}
	msg.DocumentId = mux.Vars(r)["documentId"]
	// No session submitted it, so every websocket session receives the push.
	res, err := h.submit(r.Context(), "", &msg)
	if err != nil {
		h.writeHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
