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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/fechatter/notifyd/registry"
	"github.com/go-playground/validator/v10"
)

// EventSource where the dispatcher reads events from
type EventSource interface {
	// Pull read up to maxBatch events, waiting at most timeout
	Pull(ctxt context.Context, maxBatch int, timeout time.Duration) ([]*dataplane.InboundEvent, error)
	// Ack acknowledge an event
	Ack(ctxt context.Context, event *dataplane.InboundEvent) error
	// AckWithRedeliverDelay ask for an event to be redelivered after delay
	AckWithRedeliverDelay(ctxt context.Context, event *dataplane.InboundEvent, delay time.Duration) error
}

// Resolver finds the local connections subscribed to a routing key
type Resolver interface {
	// Lookup get the connections subscribed to a routing key
	Lookup(key common.RoutingKey) []string
}

// Enqueuer queues frames onto connections and follows chat membership changes
type Enqueuer interface {
	// Enqueue queue a frame body for delivery on a connection
	Enqueue(connID string, body *dataplane.FrameBody) (uint64, error)
	// OwnerOf get the user and workspace a connection is authenticated as
	OwnerOf(connID string) (userID, workspaceID int64, err error)
	// Subscribe subscribe a connection to a routing key
	Subscribe(connID string, key common.RoutingKey) error
	// Unsubscribe remove a subscription of a connection
	Unsubscribe(connID string, key common.RoutingKey) error
}

// Params dispatcher parameters
type Params struct {
	// PullBatch is the max number of events per pull
	PullBatch int `validate:"gte=1"`
	// PullTimeout is the max duration of one pull
	PullTimeout time.Duration `validate:"required"`
	// MaxDeliver is the delivery attempt at which a failing event is dead lettered
	MaxDeliver int `validate:"gte=1"`
	// RedeliverDelay is the delay before a failing event is redelivered
	RedeliverDelay time.Duration `validate:"gte=0"`
	// AckTimeout bounds each ACK / NAK call
	AckTimeout time.Duration `validate:"required"`
	// BusRetryInitialWait first wait after a failed pull
	BusRetryInitialWait time.Duration
	// BusRetryMaxWait cap on the wait after failed pulls
	BusRetryMaxWait time.Duration
}

// ParamsFromConfig build dispatcher parameters from the consumer config
func ParamsFromConfig(consumer common.ConsumerConfig, reconnect common.NATSReconnectConfig) Params {
	return Params{
		PullBatch:           consumer.PullBatch,
		PullTimeout:         common.MillisecondsToDuration(consumer.PullTimeout),
		MaxDeliver:          consumer.MaxDeliver,
		RedeliverDelay:      common.MillisecondsToDuration(consumer.NakDelay),
		AckTimeout:          common.SecondsToDuration(consumer.AckWait),
		BusRetryInitialWait: common.SecondsToDuration(reconnect.InitialWait),
		BusRetryMaxWait:     common.SecondsToDuration(reconnect.MaxWait),
	}
}

// Stats dispatcher counters
type Stats struct {
	Running          bool      `json:"running"`
	BusHealthy       bool      `json:"bus_healthy"`
	EventsPulled     uint64    `json:"events_pulled"`
	EventsAcked      uint64    `json:"events_acked"`
	EventsRetried    uint64    `json:"events_retried"`
	EventsDeadLetter uint64    `json:"events_dead_lettered"`
	AckFailures      uint64    `json:"ack_failures"`
	FramesEnqueued   uint64    `json:"frames_enqueued"`
	FramesDropped    uint64    `json:"frames_dropped"`
	LastEventAt      time.Time `json:"last_event_at,omitempty"`
}

// Dispatcher moves events from the bus onto the outbound queues of the local connections
// subscribed to them.
//
// An event is ACKed once an enqueue was attempted on every subscribed connection, whether
// or not the enqueue succeeded. Connections which missed a frame see a sequence gap and
// reconnect; the event is not redelivered, since that would duplicate it on every
// connection which did get it.
//
// Messages and typing status skip the connections of the user who caused them. Chat
// events skip connections authenticated in another workspace. Member
// joined and left events also subscribe or unsubscribe the member's connections from the
// chat.
type Dispatcher interface {
	// Start begin the dispatch loop
	Start(ctxt context.Context) error
	// Stop stop pulling new events. The batch in progress is finished and ACKed before
	// Stop returns.
	Stop() error
	// ProcessBatch pull and dispatch one batch. Returns the number of events processed.
	ProcessBatch(ctxt context.Context) (int, error)
	// Stats get the dispatcher counters
	Stats() Stats
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	params     Params
	source     EventSource
	resolver   Resolver
	enqueuer   Enqueuer
	deadLetter dataplane.DeadLetterSink

	lock    sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool
	healthy atomic.Bool

	pulled       atomic.Uint64
	acked        atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	ackFailures  atomic.Uint64
	enqueued     atomic.Uint64
	dropped      atomic.Uint64
	lastEventAt  atomic.Int64
}

// GetDispatcher define a new dispatcher
func GetDispatcher(
	instance string,
	params Params,
	source EventSource,
	resolver Resolver,
	enqueuer Enqueuer,
	deadLetter dataplane.DeadLetterSink,
) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid dispatcher parameters")
		return nil, err
	}
	if params.AckTimeout <= 0 {
		params.AckTimeout = time.Second * 5
	}
	if params.BusRetryInitialWait <= 0 {
		params.BusRetryInitialWait = time.Second
	}
	if params.BusRetryMaxWait < params.BusRetryInitialWait {
		params.BusRetryMaxWait = params.BusRetryInitialWait
	}
	instanceImpl := &dispatcherImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		source:     source,
		resolver:   resolver,
		enqueuer:   enqueuer,
		deadLetter: deadLetter,
	}
	instanceImpl.healthy.Store(true)
	return instanceImpl, nil
}

// Start begin the dispatch loop
func (d *dispatcherImpl) Start(ctxt context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("dispatcher already started")
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	d.cancel = cancel
	d.running.Store(true)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)
		d.loop(runCtxt)
	}()
	log.WithFields(d.LogTags).Info("Dispatcher started")
	return nil
}

// Stop stop the dispatch loop
func (d *dispatcherImpl) Stop() error {
	d.lock.Lock()
	cancel := d.cancel
	d.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	d.wg.Wait()
	log.WithFields(d.LogTags).Info("Dispatcher stopped")
	return nil
}

func (d *dispatcherImpl) loop(ctxt context.Context) {
	retryWait := backoff.NewExponentialBackOff()
	retryWait.InitialInterval = d.params.BusRetryInitialWait
	retryWait.MaxInterval = d.params.BusRetryMaxWait
	retryWait.MaxElapsedTime = 0
	retryWait.Reset()

	for ctxt.Err() == nil {
		_, err := d.ProcessBatch(ctxt)
		if err == nil {
			if !d.healthy.Swap(true) {
				log.WithFields(d.LogTags).Info("Event bus reads resumed")
			}
			retryWait.Reset()
			continue
		}
		if ctxt.Err() != nil {
			return
		}
		wait := retryWait.NextBackOff()
		if d.healthy.Swap(false) {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Event bus reads failing, retrying in %s", wait,
			)
		} else {
			log.WithError(err).WithFields(d.LogTags).Debugf("Pull failed, retrying in %s", wait)
		}
		select {
		case <-ctxt.Done():
			return
		case <-time.After(wait):
		}
	}
}

// ProcessBatch pull and dispatch one batch
func (d *dispatcherImpl) ProcessBatch(ctxt context.Context) (int, error) {
	events, err := d.source.Pull(ctxt, d.params.PullBatch, d.params.PullTimeout)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	d.pulled.Add(uint64(len(events)))
	d.lastEventAt.Store(time.Now().UnixNano())
	// Events are handled in delivery order, so frames for one routing key are enqueued
	// in that order as well
	for _, event := range events {
		d.dispatchOne(event)
	}
	return len(events), nil
}

// dispatchOne fan out one event, then settle it with the bus
func (d *dispatcherImpl) dispatchOne(event *dataplane.InboundEvent) {
	body, err := dataplane.BuildFrameBody(event)
	if err != nil {
		d.handleFailure(event, err)
		return
	}

	// A new member receives the join on its own connections
	if event.Kind == dataplane.MemberJoined {
		d.followMembership(event)
	}

	// Chat keys don't carry the workspace, so chat events only reach connections of the
	// workspace they were published in
	workspaceScoped := event.Key.Scope() == common.ScopeChat && event.WorkspaceID > 0
	recipients := d.resolver.Lookup(event.Key)
	attempted := make(map[string]bool, len(recipients))
	for _, connID := range recipients {
		if attempted[connID] {
			continue
		}
		attempted[connID] = true
		if workspaceScoped || event.Originator > 0 {
			userID, workspaceID, err := d.enqueuer.OwnerOf(connID)
			if err == nil {
				if event.Originator > 0 && userID == event.Originator {
					continue
				}
				if workspaceScoped && workspaceID != event.WorkspaceID {
					log.WithFields(d.LogTags).Warnf(
						"Connection %s of workspace %d skipped %s", connID, workspaceID, event,
					)
					continue
				}
			}
		}
		if _, err := d.enqueuer.Enqueue(connID, body); err != nil {
			d.dropped.Add(1)
			switch {
			case errors.Is(err, registry.ErrQueueFull):
				log.WithFields(d.LogTags).Warnf("Connection %s is slow, dropped %s", connID, event)
			case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrDraining):
				log.WithFields(d.LogTags).Debugf("Connection %s is gone, skipped %s", connID, event)
			default:
				log.WithError(err).WithFields(d.LogTags).Errorf(
					"Enqueue of %s on %s failed", event, connID,
				)
			}
			continue
		}
		d.enqueued.Add(1)
	}

	// A leaving member receives the leave before its subscription is dropped
	if event.Kind == dataplane.MemberLeft {
		d.followMembership(event)
	}
	d.ack(event)
}

// followMembership subscribe or unsubscribe the connections of a chat member after it
// joined or left the chat
func (d *dispatcherImpl) followMembership(event *dataplane.InboundEvent) {
	member, ok := event.Payload.(dataplane.MemberPayload)
	if !ok {
		return
	}
	chatKey := common.ChatRoutingKey(member.ChatID)
	for _, connID := range d.resolver.Lookup(common.UserRoutingKey(member.UserID)) {
		var err error
		if event.Kind == dataplane.MemberJoined {
			err = d.enqueuer.Subscribe(connID, chatKey)
		} else {
			err = d.enqueuer.Unsubscribe(connID, chatKey)
		}
		switch {
		case err == nil:
			log.WithFields(d.LogTags).Debugf(
				"Connection %s of user %d followed %s on %s", connID, member.UserID, event.Kind, chatKey,
			)
		case errors.Is(err, registry.ErrTooManySubscriptions):
			log.WithFields(d.LogTags).Warnf(
				"Connection %s of user %d can't subscribe to %s, too many subscriptions",
				connID, member.UserID, chatKey,
			)
		case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrDraining),
			errors.Is(err, registry.ErrUnauthorized):
			log.WithFields(d.LogTags).Debugf("Connection %s is gone, skipped %s", connID, event)
		default:
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to update %s of %s for %s", chatKey, connID, event,
			)
		}
	}
}

// handleFailure redeliver an event which couldn't be processed, or dead letter it once
// it exhausted its deliveries
func (d *dispatcherImpl) handleFailure(event *dataplane.InboundEvent, reason error) {
	delivered := event.NumDelivered
	if delivered == 0 {
		delivered = 1
	}
	if delivered >= uint64(d.params.MaxDeliver) {
		d.deadLettered.Add(1)
		if d.deadLetter != nil {
			d.deadLetter.Report(context.Background(), event, reason)
		} else {
			log.WithError(reason).WithFields(d.LogTags).Errorf("Dead letter %s", event)
		}
		d.ack(event)
		return
	}
	log.WithError(reason).WithFields(d.LogTags).Warnf(
		"Unable to process %s, delivery %d of %d", event, delivered, d.params.MaxDeliver,
	)
	ackCtxt, cancel := context.WithTimeout(context.Background(), d.params.AckTimeout)
	defer cancel()
	if err := d.source.AckWithRedeliverDelay(ackCtxt, event, d.params.RedeliverDelay); err != nil {
		d.ackFailures.Add(1)
		log.WithError(err).WithFields(d.LogTags).Errorf("NAK of %s failed", event)
		return
	}
	d.retried.Add(1)
}

// ack acknowledge an event. Uses its own context so the batch in progress is settled even
// while stopping.
func (d *dispatcherImpl) ack(event *dataplane.InboundEvent) {
	ackCtxt, cancel := context.WithTimeout(context.Background(), d.params.AckTimeout)
	defer cancel()
	if err := d.source.Ack(ackCtxt, event); err != nil {
		d.ackFailures.Add(1)
		log.WithError(err).WithFields(d.LogTags).Errorf("ACK of %s failed", event)
		return
	}
	d.acked.Add(1)
}

// Stats get the dispatcher counters
func (d *dispatcherImpl) Stats() Stats {
	stats := Stats{
		Running:          d.running.Load(),
		BusHealthy:       d.healthy.Load(),
		EventsPulled:     d.pulled.Load(),
		EventsAcked:      d.acked.Load(),
		EventsRetried:    d.retried.Load(),
		EventsDeadLetter: d.deadLettered.Load(),
		AckFailures:      d.ackFailures.Load(),
		FramesEnqueued:   d.enqueued.Load(),
		FramesDropped:    d.dropped.Load(),
	}
	if last := d.lastEventAt.Load(); last > 0 {
		stats.LastEventAt = time.Unix(0, last)
	}
	return stats
}
