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
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

type fakeRow struct {
	member bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.member
	return nil
}

// fakeQuerier answers membership queries from a chat to members table
type fakeQuerier struct {
	members map[int64][]int64
	err     error
	queries int
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	q.queries++
	if q.err != nil {
		return fakeRow{err: q.err}
	}
	chatID := args[0].(int64)
	userID := args[1].(int64)
	for _, member := range q.members[chatID] {
		if member == userID {
			return fakeRow{member: true}
		}
	}
	return fakeRow{}
}

func TestPostgresMembership(t *testing.T) {
	assert := assert.New(t)

	querier := &fakeQuerier{members: map[int64][]int64{42: {7, 8}}}
	uut := &PostgresMembership{
		Component: common.Component{LogTags: log.Fields{"module": "auth_test"}},
		db:        querier,
	}
	ctxt := context.Background()

	// Case 0: member
	{
		member, err := uut.IsMember(ctxt, 7, 42)
		assert.Nil(err)
		assert.True(member)
	}

	// Case 1: not a member
	{
		member, err := uut.IsMember(ctxt, 9, 42)
		assert.Nil(err)
		assert.False(member)
	}

	// Case 2: invalid IDs never reach the database
	{
		before := querier.queries
		member, err := uut.IsMember(ctxt, 0, 42)
		assert.Nil(err)
		assert.False(member)
		assert.Equal(before, querier.queries)
	}

	// Case 3: query failure
	{
		querier.err = fmt.Errorf("connection refused")
		_, err := uut.IsMember(ctxt, 7, 42)
		assert.NotNil(err)
	}

	uut.Close()
}

func TestStaticMembership(t *testing.T) {
	assert := assert.New(t)

	uut := StaticMembership{42: {7}}
	member, err := uut.IsMember(context.Background(), 7, 42)
	assert.Nil(err)
	assert.True(member)
	member, err = uut.IsMember(context.Background(), 7, 43)
	assert.Nil(err)
	assert.False(member)
}
