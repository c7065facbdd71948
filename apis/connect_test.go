// Copyright 2022 The notifyd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/auth"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/fechatter/notifyd/dispatch"
	"github.com/fechatter/notifyd/registry"
	"github.com/fechatter/notifyd/subscription"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

var testSecret = []byte("apis-unit-test-secret")

func signTestToken(t *testing.T, userID, workspaceID int64, expiry time.Time) string {
	claims := auth.TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		User: auth.UserClaims{ID: userID, WorkspaceID: workspaceID},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	assert.Nil(t, err)
	return token
}

// fakeBus BusStatus with a settable state
type fakeBus struct {
	connected atomic.Bool
}

func (b *fakeBus) IsConnected() bool {
	return b.connected.Load()
}

// slowVerifier TokenVerifier which never answers before the context expires
type slowVerifier struct{}

func (slowVerifier) VerifyToken(ctxt context.Context, _ string) (auth.Identity, error) {
	<-ctxt.Done()
	return auth.Identity{}, ctxt.Err()
}

// queueSource dispatch.EventSource handing out queued events
type queueSource struct {
	lock    sync.Mutex
	pending []*dataplane.InboundEvent
	acked   int
}

func (s *queueSource) push(events ...*dataplane.InboundEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending = append(s.pending, events...)
}

func (s *queueSource) Pull(
	_ context.Context, maxBatch int, _ time.Duration,
) ([]*dataplane.InboundEvent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	count := maxBatch
	if count > len(s.pending) {
		count = len(s.pending)
	}
	batch := s.pending[:count]
	s.pending = s.pending[count:]
	return batch, nil
}

func (s *queueSource) Ack(_ context.Context, _ *dataplane.InboundEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.acked++
	return nil
}

func (s *queueSource) AckWithRedeliverDelay(
	_ context.Context, _ *dataplane.InboundEvent, _ time.Duration,
) error {
	return nil
}

type testFixture struct {
	index       subscription.Index
	connections registry.Registry
	connect     ConnectHandler
	health      HealthHandler
	bus         *fakeBus
	source      *queueSource
	dispatcher  dispatch.Dispatcher
}

func testConnectParams() ConnectParams {
	return ConnectParams{
		Instance:          "notify-ut",
		HandshakeTimeout:  time.Second * 2,
		HeartbeatInterval: time.Second * 10,
		MaxChats:          8,
		AcceptRate:        1000,
		AcceptBurst:       1000,
	}
}

func defineTestFixture(
	t *testing.T, params ConnectParams, verifier auth.TokenVerifier,
) testFixture {
	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Notify-Request-ID"},
	}
	if verifier == nil {
		var err error
		verifier, err = auth.GetHMACVerifier(testSecret, auth.JWTParams{})
		assert.Nil(t, err)
	}
	membership := auth.StaticMembership{42: {7, 8}, 43: {7}}

	index := subscription.GetIndex(t.Name(), 4)
	connections, err := registry.GetRegistry(t.Name(), registry.Params{
		QueueCapacity: 16, DrainGrace: time.Second, MaxSubscriptions: 10,
	}, index)
	assert.Nil(t, err)

	source := &queueSource{}
	deadLetter, err := dataplane.GetDeadLetterSink(nil, "deadletter", "ut", "ut")
	assert.Nil(t, err)
	dispatcher, err := dispatch.GetDispatcher(t.Name(), dispatch.Params{
		PullBatch: 16, PullTimeout: time.Millisecond * 10, MaxDeliver: 3,
		AckTimeout: time.Second,
	}, source, index, connections, deadLetter)
	assert.Nil(t, err)

	connect, err := GetConnectHandler(params, httpConfig, verifier, membership, connections)
	assert.Nil(t, err)

	bus := &fakeBus{}
	bus.connected.Store(true)
	health, err := GetHealthHandler(
		params.Instance, httpConfig, bus, dispatcher, connections, connect.Accepting,
	)
	assert.Nil(t, err)

	return testFixture{
		index:       index,
		connections: connections,
		connect:     connect,
		health:      health,
		bus:         bus,
		source:      source,
		dispatcher:  dispatcher,
	}
}

func messageCreatedEvent(workspaceID, chatID, messageID int64) *dataplane.InboundEvent {
	body := fmt.Sprintf(
		`{"event":"NewMessage","id":%d,"chat_id":%d,"sender_id":8,"content":"hi"}`,
		messageID, chatID,
	)
	return dataplane.DecodeEvent(common.ChatSubject(workspaceID, chatID), []byte(body))
}

func TestParseChatIDs(t *testing.T) {
	assert := assert.New(t)

	// Case 0: repeated chat_id plus csv, with duplicates
	{
		req := httptest.NewRequest("GET", "/v1/events?chat_id=1&chat_id=2&chats=2,3,", nil)
		chats, err := parseChatIDs(req, 8)
		assert.Nil(err)
		assert.Equal([]int64{1, 2, 3}, chats)
	}

	// Case 1: no chats
	{
		req := httptest.NewRequest("GET", "/v1/events", nil)
		chats, err := parseChatIDs(req, 8)
		assert.Nil(err)
		assert.Empty(chats)
	}

	// Case 2: invalid
	{
		req := httptest.NewRequest("GET", "/v1/events?chat_id=-4", nil)
		_, err := parseChatIDs(req, 8)
		assert.NotNil(err)
		req = httptest.NewRequest("GET", "/v1/events?chats=a", nil)
		_, err = parseChatIDs(req, 8)
		assert.NotNil(err)
	}

	// Case 3: too many
	{
		req := httptest.NewRequest("GET", "/v1/events?chats=1,2,3", nil)
		_, err := parseChatIDs(req, 2)
		assert.NotNil(err)
	}
}

func TestExtractToken(t *testing.T) {
	assert := assert.New(t)

	req := httptest.NewRequest("GET", "/v1/events?access_token=query-token", nil)
	assert.Equal("query-token", extractToken(req))
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal("header-token", extractToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal("", extractToken(req))
}

func TestConnectRejections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineTestFixture(t, testConnectParams(), nil)
	handler := fixture.connect.ServeSSEHandler()

	connectSSE := func(target, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: no token
	{
		resp := connectSSE("/v1/events?chat_id=42", "")
		assert.Equal(http.StatusUnauthorized, resp.Code)
		assert.NotEmpty(resp.Header().Get("Notify-Request-ID"))
	}

	// Case 1: expired token is rejected before anything is registered
	{
		token := signTestToken(t, 7, 1, time.Now().Add(-time.Hour))
		resp := connectSSE("/v1/events?chat_id=42", token)
		assert.Equal(http.StatusUnauthorized, resp.Code)
		assert.Equal(0, fixture.connections.Count())
		assert.Equal(0, fixture.index.KeyCount())
		assert.Empty(fixture.index.Lookup(common.ChatRoutingKey(42)))
	}

	// Case 2: not a member of a declared chat
	{
		token := signTestToken(t, 8, 1, time.Now().Add(time.Hour))
		resp := connectSSE("/v1/events?chat_id=42&chat_id=43", token)
		assert.Equal(http.StatusForbidden, resp.Code)
		assert.Equal(0, fixture.connections.Count())
		assert.Equal(0, fixture.index.KeyCount())
	}

	// Case 3: invalid chat list
	{
		token := signTestToken(t, 7, 1, time.Now().Add(time.Hour))
		resp := connectSSE("/v1/events?chats=42,abc", token)
		assert.Equal(http.StatusBadRequest, resp.Code)
		assert.Equal(0, fixture.connections.Count())
	}

	// Case 4: WebSocket endpoint requires an upgrade
	{
		req := httptest.NewRequest("GET", "/v1/ws", nil)
		respRecorder := httptest.NewRecorder()
		fixture.connect.ServeWebSocketHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 5: server stopped accepting
	{
		fixture.connect.StopAccepting()
		assert.False(fixture.connect.Accepting())
		token := signTestToken(t, 7, 1, time.Now().Add(time.Hour))
		resp := connectSSE("/v1/events?chat_id=42", token)
		assert.Equal(http.StatusServiceUnavailable, resp.Code)
		assert.Equal("1", resp.Header().Get("Retry-After"))
		assert.Equal(0, fixture.connections.Count())
	}
}

func TestConnectAdmissionLimit(t *testing.T) {
	assert := assert.New(t)

	params := testConnectParams()
	params.AcceptRate = 0.01
	params.AcceptBurst = 1
	fixture := defineTestFixture(t, params, nil)
	handler := fixture.connect.ServeSSEHandler()

	// Case 0: first attempt passes admission, fails auth
	{
		req := httptest.NewRequest("GET", "/v1/events", nil)
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Case 1: burst used up
	{
		req := httptest.NewRequest("GET", "/v1/events", nil)
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
		assert.NotEmpty(respRecorder.Header().Get("Retry-After"))
		assert.NotEqual("0", respRecorder.Header().Get("Retry-After"))
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)

	params := testConnectParams()
	params.HandshakeTimeout = time.Millisecond * 50
	fixture := defineTestFixture(t, params, slowVerifier{})

	req := httptest.NewRequest("GET", "/v1/events?chat_id=42", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	respRecorder := httptest.NewRecorder()
	start := time.Now()
	fixture.connect.ServeSSEHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusGatewayTimeout, respRecorder.Code)
	assert.Less(time.Since(start), time.Second)
	assert.Equal(0, fixture.connections.Count())
}

// sseEvent one parsed server-sent event
type sseEvent struct {
	id    string
	event string
	data  string
}

// readSSEEvent read the next event, skipping comments and retry directives
func readSSEEvent(reader *bufio.Reader) (sseEvent, error) {
	current := sseEvent{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return current, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if current.event != "" || current.data != "" {
				return current, nil
			}
		case strings.HasPrefix(line, ":"), strings.HasPrefix(line, "retry:"):
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// wireFrame client view of a frame
type wireFrame struct {
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	MessageID *int64          `json:"message_id"`
	Data      json.RawMessage `json:"data"`
}

func TestSSERoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineTestFixture(t, testConnectParams(), nil)
	server := httptest.NewServer(BuildRouter("/", fixture.connect, fixture.health))
	defer server.Close()

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	req, err := http.NewRequestWithContext(
		utCtxt, "GET", server.URL+"/v1/events?chat_id=42", nil,
	)
	assert.Nil(err)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, 7, 1, time.Now().Add(time.Hour)))
	req.Header.Set("Last-Event-ID", "17")
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer resp.Body.Close()

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal("user:7", resp.Header.Get("Notify-Client-Identity"))
	assert.Equal("notify-ut", resp.Header.Get("Notify-Instance"))
	reader := bufio.NewReader(resp.Body)

	// Case 0: greeting
	{
		event, err := readSSEEvent(reader)
		assert.Nil(err)
		assert.Equal("session", event.event)
		var greeting sessionGreeting
		assert.Nil(json.Unmarshal([]byte(event.data), &greeting))
		assert.Equal(int64(7), greeting.UserID)
		assert.Equal([]int64{42}, greeting.Chats)
		assert.Len(fixture.index.Lookup(common.ChatRoutingKey(42)), 1)
		assert.Len(fixture.index.Lookup(common.UserRoutingKey(7)), 1)
		assert.Len(fixture.index.Lookup(common.WorkspaceRoutingKey(1)), 1)
	}

	// Case 1: MessageCreated on chat 42 produces one frame with sequence 1
	{
		fixture.source.push(messageCreatedEvent(1, 42, 100))
		processed, err := fixture.dispatcher.ProcessBatch(utCtxt)
		assert.Nil(err)
		assert.Equal(1, processed)

		event, err := readSSEEvent(reader)
		assert.Nil(err)
		assert.Equal("1", event.id)
		assert.Equal("MessageCreated", event.event)
		var frame wireFrame
		assert.Nil(json.Unmarshal([]byte(event.data), &frame))
		assert.Equal(uint64(1), frame.Seq)
		assert.Equal("MessageCreated", frame.Kind)
		assert.Equal("chat:42", frame.Key)
		assert.NotNil(frame.MessageID)
		assert.Equal(int64(100), *frame.MessageID)
		var payload map[string]interface{}
		assert.Nil(json.Unmarshal(frame.Data, &payload))
		assert.Equal(float64(100), payload["id"])
	}

	// Case 2: events on other chats are not delivered; the next frame is sequence 2
	{
		fixture.source.push(messageCreatedEvent(1, 99, 101), messageCreatedEvent(1, 42, 102))
		processed, err := fixture.dispatcher.ProcessBatch(utCtxt)
		assert.Nil(err)
		assert.Equal(2, processed)

		event, err := readSSEEvent(reader)
		assert.Nil(err)
		var frame wireFrame
		assert.Nil(json.Unmarshal([]byte(event.data), &frame))
		assert.Equal(uint64(2), frame.Seq)
		assert.Equal(int64(102), *frame.MessageID)
	}

	// Case 3: online users
	{
		req := httptest.NewRequest("GET", "/v1/online/chat/42", nil)
		respRecorder := httptest.NewRecorder()
		BuildRouter("/", fixture.connect, fixture.health).ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var online APIRestRespOnlineUsers
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &online))
		assert.Equal([]int64{7}, online.Users)
	}

	// Case 4: graceful drain closes the stream
	{
		forced := fixture.connections.DrainAll(utCtxt, time.Second)
		assert.Equal(0, forced)
		event, err := readSSEEvent(reader)
		assert.Nil(err)
		assert.Equal("close", event.event)
		assert.Equal(0, fixture.connections.Count())
		assert.Equal(0, fixture.index.KeyCount())
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineTestFixture(t, testConnectParams(), nil)
	server := httptest.NewServer(BuildRouter("/", fixture.connect, fixture.health))
	defer server.Close()

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws?chat_id=42"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+signTestToken(t, 7, 1, time.Now().Add(time.Hour)))
	header.Set("Notify-Client-Identity", "Device-1")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Nil(err)
	defer conn.Close()
	assert.Equal("device-1", resp.Header.Get("Notify-Client-Identity"))
	assert.Equal("notify-ut", resp.Header.Get("Notify-Instance"))

	readJSON := func(target interface{}) {
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, msg, err := conn.ReadMessage()
		assert.Nil(err)
		assert.Nil(json.Unmarshal(msg, target))
	}

	// Case 0: greeting
	{
		var hello wsEnvelope
		readJSON(&hello)
		assert.Equal("session", hello.Type)
		var greeting sessionGreeting
		assert.Nil(json.Unmarshal(hello.Data, &greeting))
		assert.Equal("device-1", greeting.ClientIdentity)
	}

	// Case 1: subscribe to another chat the user belongs to
	{
		assert.Nil(conn.WriteJSON(controlMessage{Action: "subscribe", ChatID: 43}))
		var reply controlReply
		readJSON(&reply)
		assert.True(reply.OK)
		assert.Equal(int64(43), reply.ChatID)
		assert.Len(fixture.index.Lookup(common.ChatRoutingKey(43)), 1)
	}

	// Case 2: frame on the newly subscribed chat
	{
		fixture.source.push(messageCreatedEvent(1, 43, 500))
		_, err := fixture.dispatcher.ProcessBatch(utCtxt)
		assert.Nil(err)
		var frame wireFrame
		readJSON(&frame)
		assert.Equal(uint64(1), frame.Seq)
		assert.Equal("chat:43", frame.Key)
		assert.Equal(int64(500), *frame.MessageID)
	}

	// Case 3: subscribe to a chat the user is not a member of
	{
		assert.Nil(conn.WriteJSON(controlMessage{Action: "subscribe", ChatID: 44}))
		var reply controlReply
		readJSON(&reply)
		assert.False(reply.OK)
		assert.Empty(fixture.index.Lookup(common.ChatRoutingKey(44)))
	}

	// Case 4: unsubscribe
	{
		assert.Nil(conn.WriteJSON(controlMessage{Action: "unsubscribe", ChatID: 43}))
		var reply controlReply
		readJSON(&reply)
		assert.True(reply.OK)
		assert.Empty(fixture.index.Lookup(common.ChatRoutingKey(43)))
	}

	// Case 5: unknown action
	{
		assert.Nil(conn.WriteJSON(controlMessage{Action: "dance"}))
		var reply controlReply
		readJSON(&reply)
		assert.False(reply.OK)
		assert.Equal("unknown action", reply.Error)
	}

	// Case 6: client disconnect deregisters the connection
	{
		assert.Equal(1, fixture.connections.Count())
		assert.Nil(conn.Close())
		assert.Eventually(func() bool {
			return fixture.connections.Count() == 0
		}, time.Second*2, time.Millisecond*20)
		assert.Equal(0, fixture.index.KeyCount())
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	assert := assert.New(t)

	params := testConnectParams()
	params.AllowedOrigins = []string{"https://chat.example.com"}
	fixture := defineTestFixture(t, params, nil)
	server := httptest.NewServer(BuildRouter("/", fixture.connect, fixture.health))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
	token := signTestToken(t, 7, 1, time.Now().Add(time.Hour))

	// Case 0: foreign origin
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		header.Set("Origin", "https://evil.example.com")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.NotNil(err)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
		assert.Equal(0, fixture.connections.Count())
	}

	// Case 1: allowed origin
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		header.Set("Origin", "https://chat.example.com")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.Nil(err)
		assert.Nil(conn.Close())
	}
}
