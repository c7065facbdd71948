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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/fechatter/notifyd/subscription"
	"github.com/google/uuid"
)

// Registry errors
var (
	// ErrQueueFull the connection's outbound queue is full; the connection is being evicted
	ErrQueueFull = errors.New("connection queue full")
	// ErrNotFound the connection is not registered
	ErrNotFound = errors.New("connection not found")
	// ErrUnauthorized the connection is not, or can not be, authenticated
	ErrUnauthorized = errors.New("connection not authenticated")
	// ErrDraining the connection is draining and accepts no new frames or subscriptions
	ErrDraining = errors.New("connection draining")
	// ErrTooManySubscriptions the connection reached its subscription limit
	ErrTooManySubscriptions = errors.New("too many subscriptions")
)

// Params connection registry parameters
type Params struct {
	// QueueCapacity is the per-connection outbound queue capacity
	QueueCapacity int `validate:"gte=1"`
	// EnqueueTimeout is how long Enqueue waits on a full queue. Zero never waits.
	EnqueueTimeout time.Duration `validate:"gte=0"`
	// DrainGrace is how long a draining connection is given before it is deregistered
	DrainGrace time.Duration `validate:"gte=0"`
	// MaxSubscriptions is the max number of routing keys per connection
	MaxSubscriptions int `validate:"gte=1"`
}

// ParamsFromConfig build registry parameters from the connection config
func ParamsFromConfig(config common.ConnectionConfig) Params {
	return Params{
		QueueCapacity:  config.QueueCapacity,
		EnqueueTimeout: common.MillisecondsToDuration(config.EnqueueTimeout),
		DrainGrace:     common.SecondsToDuration(config.DrainGrace),
		// Chats declared by the client, plus the user and workspace keys
		MaxSubscriptions: config.MaxChats + 2,
	}
}

// Registry owns every client connection of this instance. Connections are referred to by
// ID; no caller holds connection state directly.
type Registry interface {
	// Register add a new connection in Connecting status
	Register(meta ConnectionMeta) (Session, error)
	// MarkAuthenticated bind a Connecting connection to a user and workspace
	MarkAuthenticated(connID string, userID, workspaceID int64) error
	// Admit register an authenticated connection already subscribed to its routing keys.
	// Dispatch can't observe the connection before all of it is in place.
	Admit(
		meta ConnectionMeta, userID, workspaceID int64, keys []common.RoutingKey,
	) (Session, error)
	// Subscribe subscribe an authenticated connection to a routing key
	Subscribe(connID string, key common.RoutingKey) error
	// Unsubscribe remove a subscription of a connection
	Unsubscribe(connID string, key common.RoutingKey) error
	// Enqueue queue a frame body for delivery on a connection, assigning its sequence number
	Enqueue(connID string, body *dataplane.FrameBody) (uint64, error)
	// Deregister remove a connection along with its subscriptions. Safe to call repeatedly.
	Deregister(connID string) bool
	// Touch record activity on a connection
	Touch(connID string)
	// Get fetch a snapshot of a connection
	Get(connID string) (ConnectionInfo, error)
	// OwnerOf get the user and workspace a connection is authenticated as
	OwnerOf(connID string) (userID, workspaceID int64, err error)
	// Count number of registered connections
	Count() int
	// OnlineUsers users with a connection subscribed to a routing key
	OnlineUsers(key common.RoutingKey) []int64
	// DrainAll move every connection to Draining, wait up to grace for them to close, then
	// deregister the rest
	DrainAll(ctxt context.Context, grace time.Duration) int
	// ReapDraining deregister connections which stayed in Draining past the drain grace
	ReapDraining() int
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	params      Params
	index       subscription.Index
	lock        sync.RWMutex
	connections map[string]*connection
}

// GetRegistry define a new connection registry
func GetRegistry(instance string, params Params, index subscription.Index) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connections", "instance": instance,
	}
	if params.QueueCapacity < 1 {
		return nil, fmt.Errorf("queue capacity %d is not positive", params.QueueCapacity)
	}
	if params.MaxSubscriptions < 1 {
		params.MaxSubscriptions = 1
	}
	return &registryImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		index:       index,
		connections: map[string]*connection{},
	}, nil
}

func (r *registryImpl) fetch(connID string) (*connection, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Register add a new connection
func (r *registryImpl) Register(meta ConnectionMeta) (Session, error) {
	conn := newConnection(uuid.New().String(), meta, r.params.QueueCapacity)
	r.lock.Lock()
	r.connections[conn.id] = conn
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Registered connection %s (%s)", conn.id, meta.Transport)
	return conn.session(), nil
}

// authenticate bind the connection to its owner. Caller holds the connection lock.
func authenticate(conn *connection, userID, workspaceID int64) error {
	switch conn.status {
	case Connecting:
	case Draining:
		return ErrDraining
	case Closed:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: connection %s already authenticated", ErrUnauthorized, conn.id)
	}
	if userID <= 0 || workspaceID <= 0 {
		return fmt.Errorf(
			"%w: invalid user %d / workspace %d", ErrUnauthorized, userID, workspaceID,
		)
	}
	conn.userID = userID
	conn.workspaceID = workspaceID
	conn.status = Authenticated
	return nil
}

// MarkAuthenticated bind a connection to a user and workspace
func (r *registryImpl) MarkAuthenticated(connID string, userID, workspaceID int64) error {
	conn, err := r.fetch(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if err := authenticate(conn, userID, workspaceID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to authenticate %s", connID)
		return err
	}
	log.WithFields(r.LogTags).Debugf(
		"Connection %s authenticated as user %d of workspace %d", connID, userID, workspaceID,
	)
	return nil
}

// subscribe subscribe a connection. Caller holds the connection lock.
func (r *registryImpl) subscribe(conn *connection, key common.RoutingKey) error {
	switch conn.status {
	case Authenticated:
	case Connecting:
		return ErrUnauthorized
	case Draining:
		return ErrDraining
	default:
		return ErrNotFound
	}
	keys := r.index.KeysFor(conn.id)
	for _, existing := range keys {
		if existing == key {
			return nil
		}
	}
	if len(keys) >= r.params.MaxSubscriptions {
		return ErrTooManySubscriptions
	}
	r.index.AddSubscription(key, conn.id)
	return nil
}

// Admit register an authenticated and subscribed connection in one step
func (r *registryImpl) Admit(
	meta ConnectionMeta, userID, workspaceID int64, keys []common.RoutingKey,
) (Session, error) {
	if len(keys) > r.params.MaxSubscriptions {
		return Session{}, ErrTooManySubscriptions
	}
	conn := newConnection(uuid.New().String(), meta, r.params.QueueCapacity)
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if err := authenticate(conn, userID, workspaceID); err != nil {
		return Session{}, err
	}
	// Insert while holding the connection lock: Enqueue on this connection waits until
	// all subscriptions are in place
	r.lock.Lock()
	r.connections[conn.id] = conn
	r.lock.Unlock()
	for _, key := range keys {
		if err := r.subscribe(conn, key); err != nil {
			r.removeLocked(conn)
			return Session{}, err
		}
	}
	log.WithFields(r.LogTags).Debugf(
		"Admitted connection %s of user %d with %d keys", conn.id, userID, len(keys),
	)
	return conn.session(), nil
}

// Subscribe subscribe a connection to a routing key
func (r *registryImpl) Subscribe(connID string, key common.RoutingKey) error {
	conn, err := r.fetch(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return r.subscribe(conn, key)
}

// Unsubscribe remove a subscription
func (r *registryImpl) Unsubscribe(connID string, key common.RoutingKey) error {
	conn, err := r.fetch(connID)
	if err != nil {
		return err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.status == Closed {
		return ErrNotFound
	}
	r.index.RemoveSubscription(key, connID)
	return nil
}

// Enqueue queue a frame for delivery
func (r *registryImpl) Enqueue(connID string, body *dataplane.FrameBody) (uint64, error) {
	conn, err := r.fetch(connID)
	if err != nil {
		return 0, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	switch conn.status {
	case Authenticated:
	case Draining:
		return 0, ErrDraining
	default:
		return 0, ErrNotFound
	}

	frame := OutboundFrame{Seq: conn.nextSeq + 1, Body: body}
	select {
	case conn.queue <- frame:
		conn.nextSeq = frame.Seq
		return frame.Seq, nil
	default:
	}

	if r.params.EnqueueTimeout > 0 {
		timer := time.NewTimer(r.params.EnqueueTimeout)
		defer timer.Stop()
		select {
		case conn.queue <- frame:
			conn.nextSeq = frame.Seq
			return frame.Seq, nil
		case <-conn.evict:
			return 0, ErrDraining
		case <-timer.C:
		}
	}

	// Slow consumer
	conn.startDraining(true)
	log.WithFields(r.LogTags).Warnf(
		"Connection %s of user %d queue full at %d frames, evicting",
		connID, conn.userID, cap(conn.queue),
	)
	return 0, ErrQueueFull
}

// removeLocked drop a connection from the registry and index. Caller holds the connection
// lock.
func (r *registryImpl) removeLocked(conn *connection) {
	r.lock.Lock()
	delete(r.connections, conn.id)
	r.lock.Unlock()
	conn.status = Closed
	conn.signalEvict()
	r.index.RemoveAllForConnection(conn.id)
}

// Deregister remove a connection
func (r *registryImpl) Deregister(connID string) bool {
	conn, err := r.fetch(connID)
	if err != nil {
		return false
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.status == Closed {
		return false
	}
	r.removeLocked(conn)
	log.WithFields(r.LogTags).Debugf(
		"Deregistered connection %s after %s", connID, time.Since(conn.connectedAt),
	)
	return true
}

// Touch record activity
func (r *registryImpl) Touch(connID string) {
	if conn, err := r.fetch(connID); err == nil {
		conn.lastActivity.Store(time.Now().UnixNano())
	}
}

// Get fetch a connection snapshot
func (r *registryImpl) Get(connID string) (ConnectionInfo, error) {
	conn, err := r.fetch(connID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return ConnectionInfo{
		ID:            conn.id,
		UserID:        conn.userID,
		WorkspaceID:   conn.workspaceID,
		Status:        conn.status.String(),
		Transport:     conn.meta.Transport,
		Identity:      conn.meta.ClientIdentity,
		Subscriptions: r.index.KeysFor(conn.id),
		QueueDepth:    len(conn.queue),
		LastSeq:       conn.nextSeq,
		ConnectedAt:   conn.connectedAt,
		LastActivity:  time.Unix(0, conn.lastActivity.Load()),
	}, nil
}

// OwnerOf get the user and workspace of a connection
func (r *registryImpl) OwnerOf(connID string) (int64, int64, error) {
	conn, err := r.fetch(connID)
	if err != nil {
		return 0, 0, err
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.status == Connecting {
		return 0, 0, ErrUnauthorized
	}
	return conn.userID, conn.workspaceID, nil
}

// Count number of registered connections
func (r *registryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

// OnlineUsers users with a connection subscribed to a routing key
func (r *registryImpl) OnlineUsers(key common.RoutingKey) []int64 {
	seen := map[int64]bool{}
	users := []int64{}
	for _, connID := range r.index.Lookup(key) {
		conn, err := r.fetch(connID)
		if err != nil {
			continue
		}
		conn.lock.Lock()
		userID, status := conn.userID, conn.status
		conn.lock.Unlock()
		if status != Authenticated || seen[userID] {
			continue
		}
		seen[userID] = true
		users = append(users, userID)
	}
	return users
}

func (r *registryImpl) snapshot() []*connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conns := make([]*connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// DrainAll drain every connection
func (r *registryImpl) DrainAll(ctxt context.Context, grace time.Duration) int {
	for _, conn := range r.snapshot() {
		conn.lock.Lock()
		conn.startDraining(false)
		conn.lock.Unlock()
	}
	log.WithFields(r.LogTags).Infof("Draining %d connections", r.Count())

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond * 50)
	defer ticker.Stop()
	for r.Count() > 0 {
		select {
		case <-ctxt.Done():
		case <-deadline.C:
		case <-ticker.C:
			continue
		}
		break
	}

	forced := 0
	for _, conn := range r.snapshot() {
		if r.Deregister(conn.id) {
			forced++
		}
	}
	if forced > 0 {
		log.WithFields(r.LogTags).Warnf("Force closed %d connections after drain grace", forced)
	}
	return forced
}

// ReapDraining deregister connections left draining past the grace period
func (r *registryImpl) ReapDraining() int {
	reaped := 0
	now := time.Now()
	for _, conn := range r.snapshot() {
		conn.lock.Lock()
		stale := conn.status == Draining && now.Sub(conn.drainingSince) >= r.params.DrainGrace
		if stale {
			conn.signalEvict()
		}
		conn.lock.Unlock()
		if stale && r.Deregister(conn.id) {
			reaped++
		}
	}
	if reaped > 0 {
		log.WithFields(r.LogTags).Infof("Reaped %d draining connections", reaped)
	}
	return reaped
}
