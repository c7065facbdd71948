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

// Package affinity defines the client identity an external load balancer hashes on to pin
// a client to one notification server instance.
//
// Nothing here keeps state: a client reconnecting after a rebalance lands on whichever
// instance the hash now picks, and that instance rebuilds the connection from scratch.
package affinity

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
)

// IdentityHeader is the header carrying the client identity, on requests and responses
const IdentityHeader = "Notify-Client-Identity"

// InstanceHeader is the response header naming the instance serving the connection
const InstanceHeader = "Notify-Instance"

// identityQueryParam is the query parameter fallback for clients which can't set headers
const identityQueryParam = "client_id"

const maxIdentityLength = 128

// CanonicalizeIdentity normalize an identity before hashing
func CanonicalizeIdentity(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if len(identity) > maxIdentityLength {
		identity = identity[:maxIdentityLength]
	}
	return identity
}

// UserIdentity the default identity of a user
func UserIdentity(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// ClientIdentity the identity of the client behind a request. An identity supplied by the
// client wins, otherwise the authenticated user ID is used.
func ClientIdentity(r *http.Request, userID int64) string {
	if supplied := CanonicalizeIdentity(r.Header.Get(IdentityHeader)); supplied != "" {
		return supplied
	}
	if supplied := CanonicalizeIdentity(r.URL.Query().Get(identityQueryParam)); supplied != "" {
		return supplied
	}
	return UserIdentity(userID)
}

func score(identity, instance string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(instance))
	return h.Sum64()
}

// InstanceFor pick the instance an identity maps to with rendezvous hashing. Removing an
// instance only moves the identities which were mapped to it. Returns an empty string if
// there are no instances.
func InstanceFor(identity string, instances []string) string {
	identity = CanonicalizeIdentity(identity)
	best := ""
	var bestScore uint64
	for _, instance := range instances {
		s := score(identity, instance)
		if best == "" || s > bestScore || (s == bestScore && instance < best) {
			best = instance
			bestScore = s
		}
	}
	return best
}

// IndexFor map an identity onto one of n instance slots. Returns -1 if n is not positive.
func IndexFor(identity string, n int) int {
	if n <= 0 {
		return -1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeIdentity(identity)))
	return int(h.Sum64() % uint64(n))
}
