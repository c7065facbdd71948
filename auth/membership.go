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

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotMember the user is not a member of the chat
var ErrNotMember = errors.New("not a member of the chat")

// MembershipChecker checks whether a user belongs to a chat
type MembershipChecker interface {
	// IsMember whether the user is a member of the chat
	IsMember(ctxt context.Context, userID, chatID int64) (bool, error)
}

const isMemberQuery = `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`

// rowQuerier the part of the pgx pool the membership check uses
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresMembership MembershipChecker reading the chat database
type PostgresMembership struct {
	common.Component
	db           rowQuerier
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// GetPostgresMembership connect to the chat database
func GetPostgresMembership(
	ctxt context.Context, config common.MembershipConfig,
) (*PostgresMembership, error) {
	logTags := log.Fields{"module": "auth", "component": "membership"}
	poolConfig, err := pgxpool.ParseConfig(config.PostgresURL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid postgres URL")
		return nil, err
	}
	poolConfig.MaxConns = config.MaxConns
	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define postgres pool")
		return nil, err
	}
	if err := pool.Ping(ctxt); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to reach postgres")
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to chat database")
	return &PostgresMembership{
		Component:    common.Component{LogTags: logTags},
		db:           pool,
		pool:         pool,
		queryTimeout: common.MillisecondsToDuration(config.QueryTimeout),
	}, nil
}

// IsMember whether the user is a member of the chat
func (m *PostgresMembership) IsMember(ctxt context.Context, userID, chatID int64) (bool, error) {
	if userID <= 0 || chatID <= 0 {
		return false, nil
	}
	localLogTags, err := common.UpdateLogTags(ctxt, m.LogTags)
	if err != nil {
		localLogTags = m.LogTags
	}
	if m.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, m.queryTimeout)
		defer cancel()
	}
	var member bool
	if err := m.db.QueryRow(ctxt, isMemberQuery, chatID, userID).Scan(&member); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Membership query failed for user %d chat %d", userID, chatID,
		)
		return false, err
	}
	return member, nil
}

// Close release the database pool
func (m *PostgresMembership) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}

// StaticMembership MembershipChecker backed by a fixed chat to members table
type StaticMembership map[int64][]int64

// IsMember whether the user is a member of the chat
func (s StaticMembership) IsMember(_ context.Context, userID, chatID int64) (bool, error) {
	for _, member := range s[chatID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}
