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

package subscription

import (
	"hash/fnv"
	"sync"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
)

// Index maps routing keys to the local connections subscribed to them.
//
// Operations on different routing keys only contend when the keys hash onto the same
// shard. Callers serialize operations concerning one connection; the connection registry
// does this by holding the connection's lock.
type Index interface {
	// AddSubscription subscribe a connection to a routing key. Returns false if the
	// connection was already subscribed to the key.
	AddSubscription(key common.RoutingKey, connID string) bool
	// RemoveSubscription remove a connection's subscription to a routing key. Returns false
	// if the subscription did not exist.
	RemoveSubscription(key common.RoutingKey, connID string) bool
	// RemoveAllForConnection remove every subscription of a connection. Safe to call more
	// than once. Returns the routing keys removed.
	RemoveAllForConnection(connID string) []common.RoutingKey
	// Lookup get a snapshot of the connections subscribed to a routing key
	Lookup(key common.RoutingKey) []string
	// KeysFor get a snapshot of the routing keys a connection is subscribed to
	KeysFor(connID string) []common.RoutingKey
	// KeyCount number of routing keys with at least one subscriber
	KeyCount() int
}

// keyShard holds routing key -> connection ID set
type keyShard struct {
	lock        sync.RWMutex
	subscribers map[common.RoutingKey]map[string]struct{}
}

// connShard holds connection ID -> routing key set
type connShard struct {
	lock sync.RWMutex
	keys map[string]map[common.RoutingKey]struct{}
}

// shardedIndexImpl implements Index
type shardedIndexImpl struct {
	common.Component
	keyShards  []*keyShard
	connShards []*connShard
}

// GetIndex define a new subscription index with the given number of lock shards
func GetIndex(instance string, shards int) Index {
	if shards < 1 {
		shards = 1
	}
	logTags := log.Fields{
		"module": "subscription", "component": "index", "instance": instance,
	}
	instanceImpl := &shardedIndexImpl{
		Component:  common.Component{LogTags: logTags},
		keyShards:  make([]*keyShard, shards),
		connShards: make([]*connShard, shards),
	}
	for itr := 0; itr < shards; itr++ {
		instanceImpl.keyShards[itr] = &keyShard{
			subscribers: map[common.RoutingKey]map[string]struct{}{},
		}
		instanceImpl.connShards[itr] = &connShard{
			keys: map[string]map[common.RoutingKey]struct{}{},
		}
	}
	return instanceImpl
}

func shardOf(value string, shards int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return int(h.Sum64() % uint64(shards))
}

func (i *shardedIndexImpl) keyShardFor(key common.RoutingKey) *keyShard {
	return i.keyShards[shardOf(string(key), len(i.keyShards))]
}

func (i *shardedIndexImpl) connShardFor(connID string) *connShard {
	return i.connShards[shardOf(connID, len(i.connShards))]
}

// AddSubscription subscribe a connection to a routing key
func (i *shardedIndexImpl) AddSubscription(key common.RoutingKey, connID string) bool {
	ks := i.keyShardFor(key)
	ks.lock.Lock()
	subscribers, ok := ks.subscribers[key]
	if !ok {
		subscribers = map[string]struct{}{}
		ks.subscribers[key] = subscribers
	}
	if _, ok := subscribers[connID]; ok {
		ks.lock.Unlock()
		return false
	}
	subscribers[connID] = struct{}{}
	ks.lock.Unlock()

	cs := i.connShardFor(connID)
	cs.lock.Lock()
	keys, ok := cs.keys[connID]
	if !ok {
		keys = map[common.RoutingKey]struct{}{}
		cs.keys[connID] = keys
	}
	keys[key] = struct{}{}
	cs.lock.Unlock()
	log.WithFields(i.LogTags).Debugf("Subscribed %s to %s", connID, key)
	return true
}

// dropFromKey remove a connection from a routing key's subscriber set
func (i *shardedIndexImpl) dropFromKey(key common.RoutingKey, connID string) bool {
	ks := i.keyShardFor(key)
	ks.lock.Lock()
	defer ks.lock.Unlock()
	subscribers, ok := ks.subscribers[key]
	if !ok {
		return false
	}
	if _, ok := subscribers[connID]; !ok {
		return false
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(ks.subscribers, key)
	}
	return true
}

// RemoveSubscription remove one subscription
func (i *shardedIndexImpl) RemoveSubscription(key common.RoutingKey, connID string) bool {
	removed := i.dropFromKey(key, connID)
	cs := i.connShardFor(connID)
	cs.lock.Lock()
	if keys, ok := cs.keys[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(cs.keys, connID)
		}
	}
	cs.lock.Unlock()
	if removed {
		log.WithFields(i.LogTags).Debugf("Unsubscribed %s from %s", connID, key)
	}
	return removed
}

// RemoveAllForConnection remove every subscription of a connection
func (i *shardedIndexImpl) RemoveAllForConnection(connID string) []common.RoutingKey {
	cs := i.connShardFor(connID)
	cs.lock.Lock()
	keys, ok := cs.keys[connID]
	delete(cs.keys, connID)
	cs.lock.Unlock()
	if !ok {
		return nil
	}
	removed := make([]common.RoutingKey, 0, len(keys))
	for key := range keys {
		if i.dropFromKey(key, connID) {
			removed = append(removed, key)
		}
	}
	log.WithFields(i.LogTags).Debugf("Removed %d subscriptions of %s", len(removed), connID)
	return removed
}

// Lookup get the connections subscribed to a routing key
func (i *shardedIndexImpl) Lookup(key common.RoutingKey) []string {
	ks := i.keyShardFor(key)
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	subscribers, ok := ks.subscribers[key]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(subscribers))
	for connID := range subscribers {
		result = append(result, connID)
	}
	return result
}

// KeysFor get the routing keys of a connection
func (i *shardedIndexImpl) KeysFor(connID string) []common.RoutingKey {
	cs := i.connShardFor(connID)
	cs.lock.RLock()
	defer cs.lock.RUnlock()
	keys, ok := cs.keys[connID]
	if !ok {
		return nil
	}
	result := make([]common.RoutingKey, 0, len(keys))
	for key := range keys {
		result = append(result, key)
	}
	return result
}

// KeyCount number of routing keys with subscribers
func (i *shardedIndexImpl) KeyCount() int {
	total := 0
	for _, ks := range i.keyShards {
		ks.lock.RLock()
		total += len(ks.subscribers)
		ks.lock.RUnlock()
	}
	return total
}
