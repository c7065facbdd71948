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

package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dataplane"
)

// Status connection lifecycle status
type Status int

// Connection lifecycle states
const (
	Connecting Status = iota
	Authenticated
	Draining
	Closed
)

// String toString function
func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// OutboundFrame one frame queued for delivery on a connection. The body is shared between
// all connections the event is delivered to, and never modified.
type OutboundFrame struct {
	// Seq is the per-connection sequence number, starting at 1
	Seq uint64
	// Body is the shared frame body
	Body *dataplane.FrameBody
}

// Encode serialize the frame for the wire
func (f OutboundFrame) Encode() ([]byte, error) {
	return dataplane.EncodeFrame(f.Seq, f.Body)
}

// ConnectionMeta transport level description of a connection
type ConnectionMeta struct {
	// Transport is the transport in use: sse or websocket
	Transport string
	// RemoteAddr is the client address
	RemoteAddr string
	// ClientIdentity is the identity used for instance affinity
	ClientIdentity string
	// RequestID is the ID of the request which opened the connection
	RequestID string
}

// Session is the transport adapter's handle on a registered connection
type Session struct {
	// ID is the connection ID
	ID string
	// Frames is the outbound frame queue
	Frames <-chan OutboundFrame
	// Drain is closed when the connection should flush its queued frames and close
	Drain <-chan struct{}
	// Evict is closed when the connection must close immediately
	Evict <-chan struct{}
}

// ConnectionInfo snapshot of a connection's state
type ConnectionInfo struct {
	ID            string              `json:"id"`
	UserID        int64               `json:"user_id"`
	WorkspaceID   int64               `json:"workspace_id"`
	Status        string              `json:"status"`
	Transport     string              `json:"transport"`
	Identity      string              `json:"client_identity"`
	Subscriptions []common.RoutingKey `json:"subscriptions"`
	QueueDepth    int                 `json:"queue_depth"`
	LastSeq       uint64              `json:"last_seq"`
	ConnectedAt   time.Time           `json:"connected_at"`
	LastActivity  time.Time           `json:"last_activity"`
}

// connection registry owned connection state. All fields besides lastActivity are guarded
// by lock.
type connection struct {
	lock          sync.Mutex
	id            string
	meta          ConnectionMeta
	userID        int64
	workspaceID   int64
	status        Status
	queue         chan OutboundFrame
	drain         chan struct{}
	drainClosed   bool
	evict         chan struct{}
	evictClosed   bool
	nextSeq       uint64
	connectedAt   time.Time
	drainingSince time.Time
	lastActivity  atomic.Int64
}

func newConnection(id string, meta ConnectionMeta, capacity int) *connection {
	now := time.Now()
	conn := &connection{
		id:          id,
		meta:        meta,
		status:      Connecting,
		queue:       make(chan OutboundFrame, capacity),
		drain:       make(chan struct{}),
		evict:       make(chan struct{}),
		connectedAt: now,
	}
	conn.lastActivity.Store(now.UnixNano())
	return conn
}

func (c *connection) session() Session {
	return Session{ID: c.id, Frames: c.queue, Drain: c.drain, Evict: c.evict}
}

// startDraining move to Draining. Caller holds the lock.
func (c *connection) startDraining(evict bool) {
	if c.status == Closed {
		return
	}
	if c.status != Draining {
		c.status = Draining
		c.drainingSince = time.Now()
	}
	if !c.drainClosed {
		close(c.drain)
		c.drainClosed = true
	}
	if evict {
		c.signalEvict()
	}
}

// signalEvict ask the transport to close now. Caller holds the lock.
func (c *connection) signalEvict() {
	if !c.evictClosed {
		close(c.evict)
		c.evictClosed = true
	}
}
