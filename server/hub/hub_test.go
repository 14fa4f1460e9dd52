package hub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/common"
	"github.com/knemerzitski/notes-sub015/server/hub"
	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/pubsub"
	"github.com/knemerzitski/notes-sub015/server/reconcile"
	"github.com/knemerzitski/notes-sub015/server/store"
)

func newServer(t *testing.T) *httptest.Server {
	broker := pubsub.NewLocal(nil)
	t.Cleanup(func() { broker.Close() })
	h := hub.New(reconcile.New(store.NewMemory(), reconcile.ClientRebase, nil), broker, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// read decodes the next message, which must be of the type of v.
func read(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, v))
}

func initDoc(t *testing.T, conn *websocket.Conn, doc string) common.Snapshot {
	require.NoError(t, conn.WriteJSON(&common.Init{Type: "Init", DocumentId: doc}))
	var sn common.Snapshot
	read(t, conn, &sn)
	require.Equal(t, "Snapshot", sn.Type)
	require.NotEmpty(t, sn.ClientId)
	return sn
}

func submit(t *testing.T, conn *websocket.Conn, id string, base int, cs string) common.SubmitResult {
	require.NoError(t, conn.WriteJSON(&common.Submit{
		Type:         "Submit",
		RequestId:    id,
		BaseRevision: base,
		Changeset:    ot.MustParse(cs),
	}))
	var res common.SubmitResult
	read(t, conn, &res)
	require.Equal(t, "SubmitResult", res.Type)
	require.Equal(t, id, res.RequestId)
	return res
}

func TestWebsocketSession(t *testing.T) {
	srv := newServer(t)
	a, b := dial(t, srv), dial(t, srv)

	snA := initDoc(t, a, "doc")
	snB := initDoc(t, b, "doc")
	require.Equal(t, 0, snA.Revision)
	require.Equal(t, "", snA.Text)
	require.NotEqual(t, snA.ClientId, snB.ClientId)

	res := submit(t, a, "r1", 0, `(0->5)["hello"]`)
	require.True(t, res.Accepted)
	require.Equal(t, 1, res.Revision)
	require.Empty(t, res.Error)

	var push common.RevisionAppended
	read(t, b, &push)
	require.Equal(t, "RevisionAppended", push.Type)
	require.Equal(t, snA.ClientId, push.ClientId)
	require.Equal(t, 1, push.Revision)
	require.Equal(t, `(0->5)["hello"]`, push.Changeset.String())

	// b submits against revision 0 and must rebase.
	res = submit(t, b, "r2", 0, `(0->1)["x"]`)
	require.False(t, res.Accepted)
	require.Len(t, res.MissedChangesets, 1)

	res = submit(t, b, "r3", 1, `(5->6)[0-5,"!"]`)
	require.True(t, res.Accepted)
	require.Equal(t, 2, res.Revision)
	read(t, a, &push)
	require.Equal(t, 2, push.Revision)

	// A late joiner starts from the latest revision.
	c := dial(t, srv)
	sn := initDoc(t, c, "doc")
	require.Equal(t, 2, sn.Revision)
	require.Equal(t, "hello!", sn.Text)
}

func TestWebsocketErrors(t *testing.T) {
	srv := newServer(t)
	conn := dial(t, srv)

	res := submit(t, conn, "early", 0, `(0->1)["x"]`)
	require.NotEmpty(t, res.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"Type":"Bogus"}`)))
	var e common.Error
	read(t, conn, &e)
	require.Equal(t, "Error", e.Type)
	require.Contains(t, e.Message, "Bogus")

	initDoc(t, conn, "doc")

	// A malformed changeset is answered and the session survives.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"Type":"Submit","RequestId":"bad","BaseRevision":0,"Changeset":"(0->1)[oops]"}`)))
	read(t, conn, &res)
	require.Equal(t, "bad", res.RequestId)
	require.NotEmpty(t, res.Error)

	res = submit(t, conn, "wrong-length", 0, `(3->3)[0-3]`)
	require.Contains(t, res.Error, ot.ErrNotComposable.Error())

	res = submit(t, conn, "ok", 0, `(0->1)["x"]`)
	require.True(t, res.Accepted)
}

func TestHTTP(t *testing.T) {
	srv := newServer(t)
	ws := dial(t, srv)
	initDoc(t, ws, "doc")

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/documents/doc/revisions", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"BaseRevision":0,"Changeset":"(0->2)[\"hi\"]"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res common.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.True(t, res.Accepted)
	require.Equal(t, 1, res.Revision)

	// Websocket sessions see revisions submitted over HTTP.
	var push common.RevisionAppended
	read(t, ws, &push)
	require.Equal(t, 1, push.Revision)

	require.Equal(t, http.StatusBadRequest, post(`{"BaseRevision":0,"Changeset":"nope"}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(`{"BaseRevision":7,"Changeset":"(2->2)[0-2]"}`).StatusCode)
	require.Equal(t, http.StatusUnprocessableEntity, post(`{"BaseRevision":1,"Changeset":"(5->5)[0-5]"}`).StatusCode)

	resp, err := http.Get(srv.URL + "/documents/doc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sn common.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sn))
	require.Equal(t, 1, sn.Revision)
	require.Equal(t, "hi", sn.Text)

	resp, err = http.Get(srv.URL + "/documents/doc/revisions?since=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	var revisions []common.RevisionAppended
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&revisions))
	require.Len(t, revisions, 1)
	require.Equal(t, `(0->2)["hi"]`, revisions[0].Changeset.String())

	resp, err = http.Get(srv.URL + "/documents/doc/revisions?since=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResubmitIsNotAppendedTwice(t *testing.T) {
	srv := newServer(t)
	a, b := dial(t, srv), dial(t, srv)
	initDoc(t, a, "doc")
	initDoc(t, b, "doc")

	send := func(conn *websocket.Conn, requestID, submissionID string, base int, cs string) common.SubmitResult {
		require.NoError(t, conn.WriteJSON(&common.Submit{
			Type:         "Submit",
			RequestId:    requestID,
			SubmissionId: submissionID,
			BaseRevision: base,
			Changeset:    ot.MustParse(cs),
		}))
		var res common.SubmitResult
		read(t, conn, &res)
		require.Equal(t, requestID, res.RequestId)
		return res
	}

	res := send(a, "r1", "s1", 0, `(0->5)["hello"]`)
	require.True(t, res.Accepted)
	var push common.RevisionAppended
	read(t, b, &push)
	require.Equal(t, 1, push.Revision)
	require.Equal(t, "s1", push.SubmissionId)

	// The answer to r1 was lost; the same submission goes out again.
	res = send(a, "r2", "s1", 0, `(0->5)["hello"]`)
	require.True(t, res.Accepted)
	require.Equal(t, 1, res.Revision)
	require.Empty(t, res.MissedChangesets)

	// b hears about the next revision only.
	res = send(a, "r3", "s2", 1, `(5->6)[0-5,"!"]`)
	require.Equal(t, 2, res.Revision)
	read(t, b, &push)
	require.Equal(t, 2, push.Revision)

	resp, err := http.Get(srv.URL + "/documents/doc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sn common.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sn))
	require.Equal(t, "hello!", sn.Text)
}
