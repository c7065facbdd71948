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
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/registry"
	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait max time allowed to write a message to the client
	wsWriteWait = 10 * time.Second
	// wsMaxMessageSize max inbound message size in bytes
	wsMaxMessageSize = 4096
	// wsMaxPendingReplies max number of control replies waiting on the write pump
	wsMaxPendingReplies = 16
)

// controlMessage control message sent by the client over the WebSocket
type controlMessage struct {
	// Action is one of subscribe, unsubscribe, ping
	Action string `json:"action"`
	// ChatID is the chat to subscribe to, or unsubscribe from
	ChatID int64 `json:"chat_id,omitempty"`
}

// controlReply reply to a control message
type controlReply struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	ChatID int64  `json:"chat_id,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// wsEnvelope wrapper of non frame messages
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// checkOrigin validate the Origin of a WebSocket upgrade against the allowed origins
func (h ConnectHandler) checkOrigin(r *http.Request) bool {
	if len(h.params.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser client
		return true
	}
	for _, allowed := range h.params.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (h ConnectHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: h.params.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkOrigin,
	}
}

// ServeWebSocket godoc
// @Summary Open a WebSocket notification stream
// @Description Authenticate with a bearer token, subscribe to the declared chats, then
// stream notification frames. The client may subscribe to, or unsubscribe from, chats
// with control messages.
// @tags Notify
// @Param Authorization header string false "Bearer token"
// @Param access_token query string false "Bearer token, for clients which can't set headers"
// @Param chat_id query []integer false "Chats to subscribe to" collectionFormat(multi)
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Failure 504 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (h ConnectHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	r = withTransport(r, TransportWebSocket)
	if !websocket.IsWebSocketUpgrade(r) {
		msg := "Expected a WebSocket upgrade"
		h.replyError(w, r, http.StatusBadRequest, msg, msg)
		return
	}
	if !h.checkOrigin(r) {
		msg := "Origin not allowed"
		log.WithFields(h.logTagsFor(r)).Warnf("%s: %s", msg, r.Header.Get("Origin"))
		h.replyError(w, r, http.StatusForbidden, msg, msg)
		return
	}

	admitted, session, ok := h.open(w, r, TransportWebSocket)
	if !ok {
		return
	}
	defer h.registry.Deregister(session.ID)

	localLogTags := h.logTagsFor(r)
	localLogTags["connection"] = session.ID
	localLogTags["user"] = admitted.identity.UserID

	// Upgrade replies with the error itself on failure
	conn, err := h.upgrader().Upgrade(w, r, h.affinityHeaders(admitted))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	greeting, err := h.greeting(admitted, session)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to build greeting")
		return
	}

	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan []byte, wsMaxPendingReplies)
	readDone := make(chan struct{})
	go h.readPump(runtimeCtxt, conn, admitted, session, replies, readDone, localLogTags)

	log.WithFields(localLogTags).Info("WebSocket stream open")
	h.writePump(conn, session, greeting, replies, readDone, localLogTags)
}

// ServeWebSocketHandler Wrapper around ServeWebSocket
func (h ConnectHandler) ServeWebSocketHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r)
	})
}

// writePump the only writer of the WebSocket
func (h ConnectHandler) writePump(
	conn *websocket.Conn,
	session registry.Session,
	greeting []byte,
	replies <-chan []byte,
	readDone <-chan struct{},
	logTags log.Fields,
) {
	heartbeat := time.NewTicker(h.params.HeartbeatInterval)
	defer heartbeat.Stop()

	write := func(payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	writeFrame := func(frame registry.OutboundFrame) error {
		payload, err := frame.Encode()
		if err != nil {
			return err
		}
		return write(payload)
	}
	writeClose := func(code int, reason string) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(wsWriteWait),
		)
	}

	hello, err := json.Marshal(wsEnvelope{Type: "session", Data: greeting})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to build greeting")
		return
	}
	if err := write(hello); err != nil {
		log.WithError(err).WithFields(logTags).Info("Client gone before greeting")
		return
	}

	for {
		select {
		case <-session.Evict:
			log.WithFields(logTags).Warn("Connection evicted")
			writeClose(websocket.CloseTryAgainLater, "evicted")
			return

		case <-session.Drain:
			if err := flushQueued(session, writeFrame); err != nil {
				log.WithError(err).WithFields(logTags).Info("Write failed while draining")
				return
			}
			writeClose(websocket.CloseGoingAway, "server draining")
			log.WithFields(logTags).Info("WebSocket stream drained")
			return

		case <-readDone:
			log.WithFields(logTags).Info("WebSocket closed by client")
			return

		case frame := <-session.Frames:
			if err := writeFrame(frame); err != nil {
				log.WithError(err).WithFields(logTags).Info("WebSocket write failed")
				return
			}
			h.registry.Touch(session.ID)

		case reply := <-replies:
			if err := write(reply); err != nil {
				log.WithError(err).WithFields(logTags).Info("WebSocket write failed")
				return
			}

		case <-heartbeat.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(wsWriteWait),
			); err != nil {
				log.WithError(err).WithFields(logTags).Info("WebSocket ping failed")
				return
			}
		}
	}
}

// readPump read client control messages until the WebSocket closes
func (h ConnectHandler) readPump(
	ctxt context.Context,
	conn *websocket.Conn,
	admitted admission,
	session registry.Session,
	replies chan<- []byte,
	readDone chan<- struct{},
	logTags log.Fields,
) {
	defer close(readDone)

	pongWait := h.params.HeartbeatInterval*2 + wsWriteWait
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.registry.Touch(session.ID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(logTags).Info("WebSocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.Touch(session.ID)

		reply := h.handleControl(ctxt, admitted, session, msg, logTags)
		serialized, err := json.Marshal(reply)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to serialize control reply")
			continue
		}
		select {
		case replies <- serialized:
		case <-session.Evict:
			return
		case <-ctxt.Done():
			return
		}
	}
}

// handleControl process one control message
func (h ConnectHandler) handleControl(
	ctxt context.Context,
	admitted admission,
	session registry.Session,
	raw []byte,
	logTags log.Fields,
) controlReply {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return controlReply{Type: "control", Error: "invalid control message"}
	}
	reply := controlReply{Type: "control", Action: msg.Action, ChatID: msg.ChatID}

	switch msg.Action {
	case "ping":
		reply.OK = true

	case "subscribe":
		if msg.ChatID <= 0 {
			reply.Error = "invalid chat ID"
			return reply
		}
		checkCtxt, cancel := context.WithTimeout(ctxt, h.params.HandshakeTimeout)
		defer cancel()
		member, err := h.membership.IsMember(checkCtxt, admitted.identity.UserID, msg.ChatID)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Membership check for chat %d failed", msg.ChatID,
			)
			reply.Error = "membership check failed"
			return reply
		}
		if !member {
			reply.Error = "not a member of the chat"
			return reply
		}
		if err := h.registry.Subscribe(session.ID, common.ChatRoutingKey(msg.ChatID)); err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Subscribe to chat %d failed", msg.ChatID)
			reply.Error = err.Error()
			return reply
		}
		log.WithFields(logTags).Debugf("Subscribed to chat %d", msg.ChatID)
		reply.OK = true

	case "unsubscribe":
		if msg.ChatID <= 0 {
			reply.Error = "invalid chat ID"
			return reply
		}
		if err := h.registry.Unsubscribe(session.ID, common.ChatRoutingKey(msg.ChatID)); err != nil {
			reply.Error = err.Error()
			return reply
		}
		log.WithFields(logTags).Debugf("Unsubscribed from chat %d", msg.ChatID)
		reply.OK = true

	default:
		reply.Error = "unknown action"
	}
	return reply
}
