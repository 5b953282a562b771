package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e *testEnv) dial(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(PrincipalHeader, principal)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects messages up to and including the first of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []wireMsg {
	t.Helper()
	var msgs []wireMsg
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wireMsg
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s, got %v", want, msgTypes(msgs))
		msgs = append(msgs, msg)
		if msg.Type == want {
			return msgs
		}
	}
}

func msgTypes(msgs []wireMsg) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func payloadOf[T any](t *testing.T, msg wireMsg) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func TestWebSocket_RequiresPrincipal(t *testing.T) {
	env := newTestEnv(t, completingEngine(t.TempDir()))
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_SubmitStreamsLifecycle(t *testing.T) {
	out := t.TempDir()
	env := newTestEnv(t, completingEngine(out))
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgSubmit, Payload: SubmitRequest{
		Config:   ConfigPayload{PdfaLevel: 2},
		InputRef: env.inputFile(t, "live.pdf"),
	}}))

	msgs := readUntil(t, conn, MsgCompleted)
	got := msgTypes(msgs)
	require.Contains(t, got, MsgJobAccepted)

	accepted := payloadOf[jobRef](t, msgs[indexOf(got, MsgJobAccepted)])
	completed := payloadOf[completedPayload](t, msgs[len(msgs)-1])
	assert.Equal(t, accepted.JobID, completed.JobID)
	assert.Equal(t, outputPath(out, accepted.JobID), completed.ResultRef)

	// events arrive once each, in order
	var seqs []uint64
	for _, m := range msgs {
		if m.Type == MsgJobEvent {
			seqs = append(seqs, payloadOf[eventPayload](t, m).Seq)
		}
	}
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func outputPath(dir string, id types.JobID) string {
	return filepath.Join(dir, string(id)+".pdf")
}

func TestWebSocket_PingAndUnknownMessages(t *testing.T) {
	env := newTestEnv(t, completingEngine(t.TempDir()))
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "telemetry", "payload": map[string]any{"x": 1}}))
	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))

	msgs := readUntil(t, conn, MsgPong)
	assert.Equal(t, []string{MsgPong}, msgTypes(msgs), "unknown types produce no reply")
}

func TestWebSocket_MalformedMessageKeepsConnection(t *testing.T) {
	env := newTestEnv(t, completingEngine(t.TempDir()))
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	msgs := readUntil(t, conn, MsgError)
	assert.Equal(t, "malformed message", payloadOf[errorPayload](t, msgs[0]).Message)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))
	readUntil(t, conn, MsgPong)
}

func TestWebSocket_SubmitRejected(t *testing.T) {
	env := newTestEnv(t, completingEngine(t.TempDir()))
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgSubmit, Payload: SubmitRequest{
		Config:   ConfigPayload{PdfaLevel: 9},
		InputRef: env.inputFile(t, "x.pdf"),
	}}))
	msgs := readUntil(t, conn, MsgError)
	assert.Contains(t, payloadOf[errorPayload](t, msgs[0]).Message, "invalid job configuration")
	assert.Empty(t, env.reg.ListForOwner("alice"))
}

func TestWebSocket_SubscribeAuthorization(t *testing.T) {
	env, started, release := newGatedEnv(t)
	id := env.mustSubmit(t, "alice", "a.pdf")
	<-started

	bob := env.dial(t, "bob")
	require.NoError(t, bob.WriteJSON(Envelope{Type: MsgSubscribe, Payload: subscribePayload{JobID: id}}))
	msgs := readUntil(t, bob, MsgError)
	assert.Equal(t, id, payloadOf[errorPayload](t, msgs[0]).JobID)

	ops := env.dial(t, "ops")
	require.NoError(t, ops.WriteJSON(Envelope{Type: MsgSubscribe, Payload: subscribePayload{JobID: id, Since: 1}}))
	release()
	msgs = readUntil(t, ops, MsgCompleted)
	for _, m := range msgs {
		if m.Type == MsgJobEvent {
			assert.Greater(t, payloadOf[eventPayload](t, m).Seq, uint64(1), "since skips the backlog")
		}
	}
	assert.NotContains(t, msgTypes(msgs), MsgJobAccepted)
}

func TestWebSocket_Cancel(t *testing.T) {
	env, started, release := newGatedEnv(t)
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgSubmit, Payload: SubmitRequest{
		Config:   ConfigPayload{PdfaLevel: 1},
		InputRef: env.inputFile(t, "c.pdf"),
	}}))
	msgs := readUntil(t, conn, MsgJobAccepted)
	id := payloadOf[jobRef](t, msgs[len(msgs)-1]).JobID
	<-started

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgCancel, Payload: jobRef{JobID: id}}))
	require.Eventually(t, func() bool {
		job, err := env.reg.Query(t.Context(), id)
		return err == nil && job.CancelRequested
	}, time.Second, 5*time.Millisecond)
	release()

	msgs = readUntil(t, conn, MsgCancelled)
	assert.Equal(t, id, payloadOf[jobRef](t, msgs[len(msgs)-1]).JobID)
	assert.NotContains(t, msgTypes(msgs), MsgCompleted)
}

func TestServerCloseDropsConnections(t *testing.T) {
	env := newTestEnv(t, completingEngine(t.TempDir()))
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))
	readUntil(t, conn, MsgPong)

	env.srv.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
