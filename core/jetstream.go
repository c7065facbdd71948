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

package core

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/fechatter/notifyd/common"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectInitialWait first wait duration between reconnect attempts
	ReconnectInitialWait time.Duration
	// ReconnectMaxWait cap on the wait duration between reconnect attempts
	ReconnectMaxWait time.Duration
	// ReconnectJitter randomization factor applied to each reconnect wait
	ReconnectJitter float64
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client as the event bus core
type NatsClient struct {
	common.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close close a JetStream client
func (js NatsClient) Close(ctxt context.Context) {
	if err := js.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("NATS flush failed")
	}
	js.nc.Close()
	log.WithFields(js.LogTags).Infof("Close NATS client")
}

// JetStream fetch the JetStream client
func (js NatsClient) JetStream() nats.JetStreamContext {
	return js.js
}

// NATs fetch the NATS connection
func (js NatsClient) NATs() *nats.Conn {
	return js.nc
}

// IsConnected whether the NATS connection is currently up
func (js NatsClient) IsConnected() bool {
	return js.nc != nil && js.nc.Status() == nats.CONNECTED
}

// reconnectDelay computes the wait between reconnect attempts as a capped exponential
// backoff with jitter. It restarts from the initial wait after each successful reconnect.
type reconnectDelay struct {
	lock    sync.Mutex
	backoff *backoff.ExponentialBackOff
}

func newReconnectDelay(initial, max time.Duration, jitter float64) *reconnectDelay {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectDelay{backoff: b}
}

// next get the next wait duration
func (d *reconnectDelay) next(_ int) time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	wait := d.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = d.backoff.MaxInterval
	}
	return wait
}

// reset restart the backoff sequence
func (d *reconnectDelay) reset() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.backoff.Reset()
}

// GetJetStream define a new NATS JetStream core
func GetJetStream(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-backend",
		"instance":  param.ServerURI,
	}
	delay := newReconnectDelay(
		param.ReconnectInitialWait, param.ReconnectMaxWait, param.ReconnectJitter,
	)
	onReconnect := func(nc *nats.Conn) {
		delay.reset()
		log.WithFields(logTags).Infof("NATS reconnected to %s", nc.ConnectedUrl())
		if param.OnReconnectCallback != nil {
			param.OnReconnectCallback(nc)
		}
	}
	onDisconnect := func(nc *nats.Conn, err error) {
		if err != nil {
			log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
		} else {
			log.WithFields(logTags).Warn("NATS disconnected")
		}
		if param.OnDisconnectCallback != nil {
			param.OnDisconnectCallback(nc, err)
		}
	}
	onClose := func(nc *nats.Conn) {
		log.WithFields(logTags).Info("NATS connection closed")
		if param.OnCloseCallback != nil {
			param.OnCloseCallback(nc)
		}
	}

	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.CustomReconnectDelay(delay.next),
		nats.DisconnectErrHandler(onDisconnect),
		nats.ReconnectHandler(onReconnect),
		nats.ClosedHandler(onClose),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
	} else {
		log.WithFields(logTags).Info("Created JetStream client")
	}

	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, err
}

// GetJetStreamFromConfig define a new NATS JetStream core from the system config
func GetJetStreamFromConfig(
	config common.NATSConfig,
	onDisconnect func(*nats.Conn, error),
	onReconnect func(*nats.Conn),
	onClose func(*nats.Conn),
) (NatsClient, error) {
	return GetJetStream(NATSConnectParams{
		ServerURI:            config.ServerURI,
		ConnectTimeout:       common.SecondsToDuration(config.ConnectTimeout),
		MaxReconnectAttempt:  config.Reconnect.MaxAttempts,
		ReconnectInitialWait: common.SecondsToDuration(config.Reconnect.InitialWait),
		ReconnectMaxWait:     common.SecondsToDuration(config.Reconnect.MaxWait),
		ReconnectJitter:      config.Reconnect.JitterFactor,
		OnDisconnectCallback: onDisconnect,
		OnReconnectCallback:  onReconnect,
		OnCloseCallback:      onClose,
	})
}
