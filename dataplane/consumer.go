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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/core"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// ErrBusUnavailable the event bus can't be reached at the moment
var ErrBusUnavailable = errors.New("event bus unavailable")

// EventConsumerParam parameters of the durable pull consumer to read from
type EventConsumerParam struct {
	// Stream is the stream the consumer is defined on
	Stream string `validate:"required"`
	// Durable is the durable consumer name
	Durable string `validate:"required"`
	// FilterSubject is the filter subject of the consumer
	FilterSubject string `validate:"required"`
	// ResubscribeInitialWait first wait between re-subscribe attempts
	ResubscribeInitialWait time.Duration
	// ResubscribeMaxWait cap on the wait between re-subscribe attempts
	ResubscribeMaxWait time.Duration
}

// EventConsumer reads chat domain events through a JetStream durable pull consumer
type EventConsumer interface {
	// Pull read up to maxBatch events, waiting at most timeout. An empty batch is
	// returned if no events arrived in time.
	Pull(ctxt context.Context, maxBatch int, timeout time.Duration) ([]*InboundEvent, error)
	// Ack acknowledge an event, removing it from the redelivery queue
	Ack(ctxt context.Context, event *InboundEvent) error
	// Nak negatively acknowledge an event for immediate redelivery
	Nak(ctxt context.Context, event *InboundEvent) error
	// AckWithRedeliverDelay negatively acknowledge an event, asking for redelivery after delay
	AckWithRedeliverDelay(ctxt context.Context, event *InboundEvent, delay time.Duration) error
	// Stream the stream being read
	Stream() string
	// Durable the durable consumer name
	Durable() string
	// Close unsubscribe from the consumer. The durable consumer itself is kept.
	Close() error
}

// jetStreamEventConsumerImpl implements EventConsumer
type jetStreamEventConsumerImpl struct {
	common.Component
	nats      core.NatsClient
	param     EventConsumerParam
	lock      sync.Mutex
	sub       *nats.Subscription
	closed    bool
	resubWait *backoff.ExponentialBackOff
	nextResub time.Time
}

// GetJetStreamEventConsumer subscribe to a durable pull consumer
func GetJetStreamEventConsumer(
	natsClient core.NatsClient, param EventConsumerParam,
) (EventConsumer, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "js-pull-consumer",
		"stream":    param.Stream,
		"consumer":  param.Durable,
	}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid consumer parameters")
		return nil, err
	}
	if param.ResubscribeInitialWait <= 0 {
		param.ResubscribeInitialWait = time.Second
	}
	if param.ResubscribeMaxWait < param.ResubscribeInitialWait {
		param.ResubscribeMaxWait = param.ResubscribeInitialWait
	}
	resubWait := backoff.NewExponentialBackOff()
	resubWait.InitialInterval = param.ResubscribeInitialWait
	resubWait.MaxInterval = param.ResubscribeMaxWait
	resubWait.MaxElapsedTime = 0
	resubWait.Reset()

	instance := &jetStreamEventConsumerImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		param:     param,
		resubWait: resubWait,
	}
	if err := instance.subscribe(); err != nil {
		return nil, err
	}
	return instance, nil
}

// subscribe bind a pull subscription onto the durable consumer. Caller holds the lock
// or owns the instance exclusively.
func (c *jetStreamEventConsumerImpl) subscribe() error {
	sub, err := c.nats.JetStream().PullSubscribe(
		c.param.FilterSubject,
		c.param.Durable,
		nats.Bind(c.param.Stream, c.param.Durable),
		nats.ManualAck(),
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to subscribe to durable consumer")
		return err
	}
	c.sub = sub
	log.WithFields(c.LogTags).Info("Subscribed to durable consumer")
	return nil
}

// ensureSubscription re-subscribe using the same durable name if the current subscription
// is no longer usable. Attempts are spaced by an exponential backoff.
func (c *jetStreamEventConsumerImpl) ensureSubscription() (*nats.Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, fmt.Errorf("consumer closed")
	}
	if c.sub != nil && c.sub.IsValid() {
		return c.sub, nil
	}
	if !c.nats.IsConnected() {
		return nil, ErrBusUnavailable
	}
	if time.Now().Before(c.nextResub) {
		return nil, ErrBusUnavailable
	}
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	if err := c.subscribe(); err != nil {
		c.nextResub = time.Now().Add(c.resubWait.NextBackOff())
		return nil, fmt.Errorf("%w: %s", ErrBusUnavailable, err.Error())
	}
	c.resubWait.Reset()
	c.nextResub = time.Time{}
	return c.sub, nil
}

// invalidate drop the current subscription so the next Pull re-subscribes
func (c *jetStreamEventConsumerImpl) invalidate(sub *nats.Subscription) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sub == sub && c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
}

// Pull read a batch of events
func (c *jetStreamEventConsumerImpl) Pull(
	ctxt context.Context, maxBatch int, timeout time.Duration,
) ([]*InboundEvent, error) {
	sub, err := c.ensureSubscription()
	if err != nil {
		return nil, err
	}

	pullCtxt, cancel := context.WithTimeout(ctxt, timeout)
	defer cancel()
	msgs, err := sub.Fetch(maxBatch, nats.Context(pullCtxt))

	events := make([]*InboundEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeJetStreamMsg(msg))
	}
	if len(events) > 0 {
		return events, nil
	}

	switch {
	case err == nil:
		return events, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
		// Caller cancelled
		if ctxt.Err() != nil {
			return nil, ctxt.Err()
		}
		return events, nil
	case errors.Is(err, context.Canceled):
		return nil, err
	case errors.Is(err, nats.ErrBadSubscription) ||
		errors.Is(err, nats.ErrConsumerDeleted) ||
		errors.Is(err, nats.ErrConsumerNotFound) ||
		errors.Is(err, nats.ErrConsumerLeadershipChanged):
		log.WithError(err).WithFields(c.LogTags).Warn("Subscription lost, will re-subscribe")
		c.invalidate(sub)
		return nil, fmt.Errorf("%w: %s", ErrBusUnavailable, err.Error())
	case errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrNoResponders) ||
		!c.nats.IsConnected():
		return nil, fmt.Errorf("%w: %s", ErrBusUnavailable, err.Error())
	}
	log.WithError(err).WithFields(c.LogTags).Error("Pull failed")
	return nil, err
}

// Ack acknowledge an event
func (c *jetStreamEventConsumerImpl) Ack(ctxt context.Context, event *InboundEvent) error {
	if event.msg == nil {
		return fmt.Errorf("event %s has no ACK handle", event)
	}
	if err := event.msg.AckSync(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to ACK %s", event)
		return err
	}
	return nil
}

// Nak negatively acknowledge an event
func (c *jetStreamEventConsumerImpl) Nak(_ context.Context, event *InboundEvent) error {
	if event.msg == nil {
		return fmt.Errorf("event %s has no ACK handle", event)
	}
	if err := event.msg.Nak(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to NAK %s", event)
		return err
	}
	return nil
}

// AckWithRedeliverDelay negatively acknowledge an event with a redelivery delay
func (c *jetStreamEventConsumerImpl) AckWithRedeliverDelay(
	_ context.Context, event *InboundEvent, delay time.Duration,
) error {
	if event.msg == nil {
		return fmt.Errorf("event %s has no ACK handle", event)
	}
	if err := event.msg.NakWithDelay(delay); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to NAK %s", event)
		return err
	}
	return nil
}

// Stream the stream being read
func (c *jetStreamEventConsumerImpl) Stream() string {
	return c.param.Stream
}

// Durable the durable consumer name
func (c *jetStreamEventConsumerImpl) Durable() string {
	return c.param.Durable
}

// Close stop reading from the durable consumer
func (c *jetStreamEventConsumerImpl) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	if c.sub == nil {
		return nil
	}
	// Unsubscribe only removes the local interest; the durable consumer keeps its state
	err := c.sub.Unsubscribe()
	c.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.WithError(err).WithFields(c.LogTags).Error("Unsubscribe failed")
		return err
	}
	log.WithFields(c.LogTags).Info("Unsubscribed from durable consumer")
	return nil
}
