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
	"encoding/json"

	"github.com/fechatter/notifyd/registry"
)

// Client transports
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// sessionGreeting first message sent on a new connection
type sessionGreeting struct {
	ConnectionID   string  `json:"connection_id"`
	Instance       string  `json:"instance"`
	ClientIdentity string  `json:"client_identity"`
	UserID         int64   `json:"user_id"`
	WorkspaceID    int64   `json:"workspace_id"`
	Chats          []int64 `json:"chats"`
}

func (h ConnectHandler) greeting(admitted admission, session registry.Session) ([]byte, error) {
	return json.Marshal(sessionGreeting{
		ConnectionID:   session.ID,
		Instance:       h.params.Instance,
		ClientIdentity: admitted.clientIdentity,
		UserID:         admitted.identity.UserID,
		WorkspaceID:    admitted.identity.WorkspaceID,
		Chats:          admitted.chats,
	})
}

// flushQueued write out the frames still queued on a draining connection. Stops early if
// the connection is evicted.
func flushQueued(session registry.Session, write func(registry.OutboundFrame) error) error {
	for {
		select {
		case <-session.Evict:
			return nil
		default:
		}
		select {
		case frame := <-session.Frames:
			if err := write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
