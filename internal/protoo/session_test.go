package protoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireMsg mirrors every envelope field for the raw client side of a test.
type wireMsg struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint64          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type testPeer struct {
	sess   *Session
	client *websocket.Conn
	srv    *httptest.Server
}

// newTestPeer upgrades one connection into a Session whose receive loop is
// running, and hands back the raw client side.
func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	ready := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := NewSession(conn, zerolog.Nop())
		ready <- sess
		sess.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var sess *Session
	select {
	case sess = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not established")
	}

	p := &testPeer{sess: sess, client: client, srv: srv}
	t.Cleanup(func() {
		sess.Close()
		client.Close()
		srv.Close()
	})
	return p
}

func (p *testPeer) read(t *testing.T) wireMsg {
	t.Helper()
	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := p.client.ReadMessage()
	require.NoError(t, err)
	var msg wireMsg
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func (p *testPeer) writeJSON(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, p.client.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestSendRequestResolvesWithResponseData(t *testing.T) {
	p := newTestPeer(t)

	// the client echoes a response for every request it reads
	go func() {
		for {
			_, frame, err := p.client.ReadMessage()
			if err != nil {
				return
			}
			var msg wireMsg
			if json.Unmarshal(frame, &msg) != nil || !msg.Request {
				continue
			}
			resp, _ := json.Marshal(map[string]any{
				"response": true,
				"id":       msg.ID,
				"ok":       true,
				"data":     map[string]string{"echo": msg.Method},
			})
			_ = p.client.WriteMessage(websocket.TextMessage, resp)
		}
	}()

	data, err := p.sess.SendRequest(context.Background(), "invite", map[string]string{"roomId": "r1"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"invite"}`, string(data))

	// correlation ids are per-connection and monotonically increasing
	data, err = p.sess.SendRequest(context.Background(), "second", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"second"}`, string(data))
}

func TestSendRequestWireShape(t *testing.T) {
	p := newTestPeer(t)

	done := make(chan wireMsg, 1)
	go func() {
		_ = p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := p.client.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		var msg wireMsg
		_ = json.Unmarshal(frame, &msg)
		done <- msg
	}()

	go func() {
		_, _ = p.sess.SendRequest(context.Background(), "invite", map[string]string{"roomId": "r1"}, 200*time.Millisecond)
	}()

	msg, ok := <-done
	require.True(t, ok)
	assert.True(t, msg.Request)
	assert.Equal(t, uint64(1), msg.ID)
	assert.Equal(t, "invite", msg.Method)
	assert.JSONEq(t, `{"roomId":"r1"}`, string(msg.Data))
}

func TestSendRequestErrorResponse(t *testing.T) {
	p := newTestPeer(t)

	go func() {
		_, frame, err := p.client.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMsg
		_ = json.Unmarshal(frame, &msg)
		resp, _ := json.Marshal(map[string]any{
			"response":    true,
			"id":          msg.ID,
			"ok":          false,
			"errorCode":   403,
			"errorReason": "not allowed",
		})
		_ = p.client.WriteMessage(websocket.TextMessage, resp)
	}()

	_, err := p.sess.SendRequest(context.Background(), "invite", nil, time.Second)
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 403, re.Code)
	assert.Equal(t, "not allowed", re.Reason)
}

func TestSendRequestTimeout(t *testing.T) {
	p := newTestPeer(t)

	// the client reads the request and never answers
	go func() {
		_, _, _ = p.client.ReadMessage()
	}()

	start := time.Now()
	_, err := p.sess.SendRequest(context.Background(), "invite", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// the late response matches nothing and is dropped; the session keeps
	// serving new requests
	p.writeJSON(t, `{"response":true,"id":1,"ok":true,"data":{}}`)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.sess.Closed())
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	p := newTestPeer(t)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.sess.SendRequest(context.Background(), "invite", nil, 10*time.Second)
			errs <- err
		}()
	}

	// both requests are on the wire before the close
	for i := 0; i < 2; i++ {
		_ = p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := p.client.ReadMessage()
		require.NoError(t, err)
	}

	p.sess.Close()
	wg.Wait()
	close(errs)
	count := 0
	for err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestSendOnClosedSession(t *testing.T) {
	p := newTestPeer(t)
	p.sess.Close()
	p.sess.Close() // idempotent

	_, err := p.sess.SendRequest(context.Background(), "invite", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, p.sess.SendNotification("ping", nil), ErrConnectionClosed)
}

func TestInboundRequestDispatch(t *testing.T) {
	p := newTestPeer(t)
	p.sess.HandleRequest("hello", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return map[string]string{"greeting": "hi " + req.Name}, nil
	})

	p.writeJSON(t, `{"request":true,"id":7,"method":"hello","data":{"name":"Alice"}}`)
	msg := p.read(t)
	assert.True(t, msg.Response)
	assert.Equal(t, uint64(7), msg.ID)
	assert.True(t, msg.OK)
	assert.JSONEq(t, `{"greeting":"hi Alice"}`, string(msg.Data))
}

func TestInboundRequestHandlerError(t *testing.T) {
	p := newTestPeer(t)
	p.sess.HandleRequest("guarded", func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, &ResponseError{Code: 401, Reason: "denied"}
	})

	p.writeJSON(t, `{"request":true,"id":3,"method":"guarded","data":{}}`)
	msg := p.read(t)
	assert.True(t, msg.Response)
	assert.False(t, msg.OK)
	assert.Equal(t, 401, msg.ErrorCode)
	assert.Equal(t, "denied", msg.ErrorReason)
}

func TestUnknownRequestMethod(t *testing.T) {
	p := newTestPeer(t)

	p.writeJSON(t, `{"request":true,"id":5,"method":"nope","data":{}}`)
	msg := p.read(t)
	assert.True(t, msg.Response)
	assert.Equal(t, uint64(5), msg.ID)
	assert.False(t, msg.OK)
	assert.Equal(t, 404, msg.ErrorCode)

	// the connection stays open
	assert.False(t, p.sess.Closed())
}

func TestNotificationDispatch(t *testing.T) {
	p := newTestPeer(t)

	got := make(chan string, 1)
	p.sess.HandleNotification("keepalive", func(ctx context.Context, data json.RawMessage) {
		var req struct {
			MsuID string `json:"msuId"`
		}
		_ = json.Unmarshal(data, &req)
		got <- req.MsuID
	})

	// an unknown notification is ignored, not fatal
	p.writeJSON(t, `{"notification":true,"method":"mystery","data":{}}`)
	p.writeJSON(t, `{"notification":true,"method":"keepalive","data":{"msuId":"m1"}}`)

	select {
	case id := <-got:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
	}
	assert.False(t, p.sess.Closed())
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	p := newTestPeer(t)

	p.writeJSON(t, `this is not json`)
	require.Eventually(t, p.sess.Closed, 2*time.Second, 10*time.Millisecond)
}

func TestUnclassifiableEnvelopeClosesConnection(t *testing.T) {
	p := newTestPeer(t)

	p.writeJSON(t, `{"id":1,"method":"x"}`)
	require.Eventually(t, p.sess.Closed, 2*time.Second, 10*time.Millisecond)
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	p := newTestPeer(t)

	p.writeJSON(t, `{"response":true,"id":999,"ok":true,"data":{}}`)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.sess.Closed())

	// normal dispatch still works afterwards
	p.sess.HandleRequest("ping", func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, nil
	})
	p.writeJSON(t, `{"request":true,"id":1,"method":"ping","data":{}}`)
	msg := p.read(t)
	assert.True(t, msg.OK)
}

func TestOnCloseHook(t *testing.T) {
	p := newTestPeer(t)

	var mu sync.Mutex
	calls := 0
	p.sess.OnClose(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	p.sess.Close()
	p.sess.Close()
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	// registering on a closed session fires immediately
	fired := false
	p.sess.OnClose(func() { fired = true })
	assert.True(t, fired)
}
