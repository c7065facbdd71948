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

package common

import (
	"fmt"
	"strconv"
	"strings"
)

// RoutingKey identifies a delivery scope: a chat, a user, or a workspace
type RoutingKey string

// Routing key scopes
const (
	ScopeChat      = "chat"
	ScopeUser      = "user"
	ScopeWorkspace = "workspace"
)

// ChatRoutingKey routing key of a chat
func ChatRoutingKey(chatID int64) RoutingKey {
	return RoutingKey(fmt.Sprintf("%s:%d", ScopeChat, chatID))
}

// UserRoutingKey routing key of a user
func UserRoutingKey(userID int64) RoutingKey {
	return RoutingKey(fmt.Sprintf("%s:%d", ScopeUser, userID))
}

// WorkspaceRoutingKey routing key of a workspace
func WorkspaceRoutingKey(workspaceID int64) RoutingKey {
	return RoutingKey(fmt.Sprintf("%s:%d", ScopeWorkspace, workspaceID))
}

// Scope returns the scope portion of the routing key
func (k RoutingKey) Scope() string {
	parts := strings.SplitN(string(k), ":", 2)
	return parts[0]
}

// ===============================================================================

// Event subjects published by the chat API
//
//	workspace.<workspace>.chat.<chat>.messages
//	workspace.<workspace>.user.<user>.notifications
//	workspace.<workspace>.broadcast

// ChatSubject NATS subject carrying events of a chat
func ChatSubject(workspaceID, chatID int64) string {
	return fmt.Sprintf("workspace.%d.chat.%d.messages", workspaceID, chatID)
}

// UserSubject NATS subject carrying notifications of a user
func UserSubject(workspaceID, userID int64) string {
	return fmt.Sprintf("workspace.%d.user.%d.notifications", workspaceID, userID)
}

// WorkspaceSubject NATS subject carrying workspace wide events
func WorkspaceSubject(workspaceID int64) string {
	return fmt.Sprintf("workspace.%d.broadcast", workspaceID)
}

// SubjectInfo is the routing information encoded within an event subject
type SubjectInfo struct {
	// WorkspaceID is the workspace the event belongs to
	WorkspaceID int64
	// Scope is the routing key scope
	Scope string
	// TargetID is the chat / user ID, or the workspace ID for workspace scope
	TargetID int64
	// Key is the routing key the event is delivered to
	Key RoutingKey
}

// ParseSubject extract routing information from an event subject
func ParseSubject(subject string) (SubjectInfo, error) {
	if err := ValidateSubjectName(subject); err != nil {
		return SubjectInfo{}, err
	}
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 || tokens[0] != "workspace" {
		return SubjectInfo{}, fmt.Errorf("subject '%s' is not a workspace subject", subject)
	}
	workspaceID, err := parseID(tokens[1])
	if err != nil {
		return SubjectInfo{}, fmt.Errorf("subject '%s' workspace ID: %w", subject, err)
	}
	switch {
	case len(tokens) == 3 && tokens[2] == "broadcast":
		return SubjectInfo{
			WorkspaceID: workspaceID,
			Scope:       ScopeWorkspace,
			TargetID:    workspaceID,
			Key:         WorkspaceRoutingKey(workspaceID),
		}, nil
	case len(tokens) == 5 && tokens[2] == ScopeChat && tokens[4] == "messages":
		chatID, err := parseID(tokens[3])
		if err != nil {
			return SubjectInfo{}, fmt.Errorf("subject '%s' chat ID: %w", subject, err)
		}
		return SubjectInfo{
			WorkspaceID: workspaceID,
			Scope:       ScopeChat,
			TargetID:    chatID,
			Key:         ChatRoutingKey(chatID),
		}, nil
	case len(tokens) == 5 && tokens[2] == ScopeUser && tokens[4] == "notifications":
		userID, err := parseID(tokens[3])
		if err != nil {
			return SubjectInfo{}, fmt.Errorf("subject '%s' user ID: %w", subject, err)
		}
		return SubjectInfo{
			WorkspaceID: workspaceID,
			Scope:       ScopeUser,
			TargetID:    userID,
			Key:         UserRoutingKey(userID),
		}, nil
	}
	return SubjectInfo{}, fmt.Errorf("subject '%s' has unknown layout", subject)
}

func parseID(token string) (int64, error) {
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("ID %d is not positive", id)
	}
	return id, nil
}

// ValidateSubjectName validate a NATS subject which messages are published to
func ValidateSubjectName(subject string) error {
	if len(subject) == 0 {
		return fmt.Errorf("empty subject")
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return fmt.Errorf("subject '%s' contains whitespace or wildcards", subject)
	}
	for _, token := range strings.Split(subject, ".") {
		if len(token) == 0 {
			return fmt.Errorf("subject '%s' contains empty token", subject)
		}
	}
	return nil
}
