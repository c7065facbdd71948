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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/fechatter/notifyd/registry"
	"github.com/fechatter/notifyd/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// fakeSource in-memory EventSource
type fakeSource struct {
	lock     sync.Mutex
	pending  []*dataplane.InboundEvent
	acked    []*dataplane.InboundEvent
	retried  []*dataplane.InboundEvent
	pullErrs []error
}

func (s *fakeSource) push(events ...*dataplane.InboundEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending = append(s.pending, events...)
}

func (s *fakeSource) Pull(
	ctxt context.Context, maxBatch int, timeout time.Duration,
) ([]*dataplane.InboundEvent, error) {
	s.lock.Lock()
	if len(s.pullErrs) > 0 {
		err := s.pullErrs[0]
		s.pullErrs = s.pullErrs[1:]
		s.lock.Unlock()
		return nil, err
	}
	if len(s.pending) > 0 {
		count := maxBatch
		if count > len(s.pending) {
			count = len(s.pending)
		}
		batch := s.pending[:count]
		s.pending = s.pending[count:]
		s.lock.Unlock()
		return batch, nil
	}
	s.lock.Unlock()
	select {
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *fakeSource) Ack(_ context.Context, event *dataplane.InboundEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.acked = append(s.acked, event)
	return nil
}

func (s *fakeSource) AckWithRedeliverDelay(
	_ context.Context, event *dataplane.InboundEvent, _ time.Duration,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.retried = append(s.retried, event)
	return nil
}

func (s *fakeSource) ackedCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.acked)
}

// mockDeadLetter mock dataplane.DeadLetterSink
type mockDeadLetter struct {
	mock.Mock
}

func (m *mockDeadLetter) Report(ctxt context.Context, event *dataplane.InboundEvent, reason error) {
	m.Called(ctxt, event, reason)
}

// countingEnqueuer records every enqueue
type countingEnqueuer struct {
	lock  sync.Mutex
	calls map[string]int
}

func (e *countingEnqueuer) Enqueue(connID string, _ *dataplane.FrameBody) (uint64, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.calls[connID]++
	return uint64(e.calls[connID]), nil
}

// fixedResolver always returns the same connections
type fixedResolver []string

func (r fixedResolver) Lookup(common.RoutingKey) []string {
	return r
}

func (e *countingEnqueuer) OwnerOf(string) (int64, int64, error) {
	return 0, 0, registry.ErrNotFound
}

func (e *countingEnqueuer) Subscribe(string, common.RoutingKey) error {
	return nil
}

func (e *countingEnqueuer) Unsubscribe(string, common.RoutingKey) error {
	return nil
}

// messageEvent a message posted by a user with no local connections
func messageEvent(workspaceID, chatID, messageID int64) *dataplane.InboundEvent {
	return messageEventFrom(workspaceID, chatID, messageID, 99)
}

func messageEventFrom(workspaceID, chatID, messageID, senderID int64) *dataplane.InboundEvent {
	body, _ := dataplane.TagEventBody(
		"NewMessage",
		dataplane.MessageCreatedPayload{ID: messageID, ChatID: chatID, SenderID: senderID},
	)
	event := dataplane.DecodeEvent(common.ChatSubject(workspaceID, chatID), body)
	event.NumDelivered = 1
	event.Sequence.Stream = uint64(messageID)
	return event
}

func testParams() Params {
	return Params{
		PullBatch:      64,
		PullTimeout:    time.Millisecond * 20,
		MaxDeliver:     5,
		RedeliverDelay: time.Millisecond * 10,
		AckTimeout:     time.Second,
	}
}

func defineTestRegistry(
	t *testing.T, capacity int, enqueueTimeout time.Duration,
) (registry.Registry, subscription.Index) {
	index := subscription.GetIndex("testing", 8)
	reg, err := registry.GetRegistry("testing", registry.Params{
		QueueCapacity: capacity, EnqueueTimeout: enqueueTimeout, MaxSubscriptions: 16,
	}, index)
	assert.Nil(t, err)
	return reg, index
}

func TestDispatcherParams(t *testing.T) {
	assert := assert.New(t)

	_, err := GetDispatcher("testing", Params{}, &fakeSource{}, fixedResolver{}, nil, nil)
	assert.NotNil(err)

	params := ParamsFromConfig(common.ConsumerConfig{
		PullBatch: 64, PullTimeout: 1000, MaxDeliver: 5, NakDelay: 2000, AckWait: 30,
	}, common.NATSReconnectConfig{InitialWait: 1, MaxWait: 30})
	assert.Equal(time.Second, params.PullTimeout)
	assert.Equal(time.Second*2, params.RedeliverDelay)
	assert.Equal(time.Second*30, params.BusRetryMaxWait)
	_, err = GetDispatcher("testing", params, &fakeSource{}, fixedResolver{}, nil, nil)
	assert.Nil(err)
}

func TestDispatchNoSubscribers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	reg, index := defineTestRegistry(t, 256, 0)
	// A connection on some other chat
	session, err := reg.Admit(registry.ConnectionMeta{}, 7, 1, []common.RoutingKey{
		common.ChatRoutingKey(1),
	})
	assert.Nil(err)

	source := &fakeSource{}
	for itr := int64(1); itr <= 300; itr++ {
		source.push(messageEvent(1, 42, itr))
	}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	total := 0
	for total < 300 {
		count, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Greater(count, 0)
		total += count
	}
	assert.Equal(300, source.ackedCount())
	assert.Empty(source.retried)
	assert.Len(session.Frames, 0)
	stats := uut.Stats()
	assert.Equal(uint64(300), stats.EventsAcked)
	assert.Equal(uint64(0), stats.FramesEnqueued)
}

func TestDispatchMessageCreated(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, 0)
	session, err := reg.Admit(registry.ConnectionMeta{Transport: "sse"}, 7, 1, []common.RoutingKey{
		common.UserRoutingKey(7), common.WorkspaceRoutingKey(1), common.ChatRoutingKey(42),
	})
	assert.Nil(err)

	source := &fakeSource{}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	// Case 0: MessageCreated on chat 42
	source.push(messageEvent(1, 42, 100))
	count, err := uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Equal(1, count)
	assert.Equal(1, source.ackedCount())
	assert.Len(session.Frames, 1)
	frame := <-session.Frames
	assert.Equal(uint64(1), frame.Seq)
	assert.Equal(dataplane.MessageCreated, frame.Body.Kind)
	encoded, err := frame.Encode()
	assert.Nil(err)
	var parsed struct {
		Seq  uint64 `json:"seq"`
		Kind string `json:"kind"`
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	assert.Nil(json.Unmarshal(encoded, &parsed))
	assert.Equal("MessageCreated", parsed.Kind)
	assert.Equal(int64(100), parsed.Data.ID)

	// Case 1: next frame has a higher sequence number
	source.push(messageEvent(1, 42, 101))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	frame = <-session.Frames
	assert.Equal(uint64(2), frame.Seq)

	// Case 2: event on a chat the connection is not subscribed to
	source.push(messageEvent(1, 43, 102))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(session.Frames, 0)
	assert.Equal(3, source.ackedCount())

	// Case 3: user notification and workspace broadcast
	{
		body := []byte(`{"event":"UserPresence","user_id":9,"status":"online"}`)
		broadcast := dataplane.DecodeEvent(common.WorkspaceSubject(1), body)
		body = []byte(`{"event":"MessageRead","message_id":100,"chat_id":42,"reader_id":9}`)
		personal := dataplane.DecodeEvent(common.UserSubject(1, 7), body)
		source.push(broadcast, personal)
		count, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Equal(2, count)
		first := <-session.Frames
		second := <-session.Frames
		assert.Equal(dataplane.UserPresence, first.Body.Kind)
		assert.Equal(dataplane.MessageRead, second.Body.Kind)
		assert.Equal(uint64(3), first.Seq)
		assert.Equal(uint64(4), second.Seq)
	}
}

func TestDispatchSkipsOriginator(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, 0)
	key := common.ChatRoutingKey(42)
	sender, err := reg.Admit(registry.ConnectionMeta{}, 7, 1, []common.RoutingKey{key})
	assert.Nil(err)
	member, err := reg.Admit(registry.ConnectionMeta{}, 8, 1, []common.RoutingKey{key})
	assert.Nil(err)

	source := &fakeSource{}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	// Case 0: message goes to every member but the sender
	source.push(messageEventFrom(1, 42, 100, 7))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(sender.Frames, 0)
	assert.Len(member.Frames, 1)
	frame := <-member.Frames
	assert.Equal(dataplane.MessageCreated, frame.Body.Kind)

	// Case 1: typing status goes to every member but the typist
	{
		body := []byte(`{"event":"TypingStatus","chat_id":42,"user_id":8,"is_typing":true}`)
		source.push(dataplane.DecodeEvent(common.ChatSubject(1, 42), body))
		_, err = uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Len(member.Frames, 0)
		assert.Len(sender.Frames, 1)
		frame := <-sender.Frames
		assert.Equal(dataplane.TypingStatus, frame.Body.Kind)
	}

	// Case 2: events without an originator go to everyone
	{
		body := []byte(`{"event":"MessageRead","message_id":100,"chat_id":42,"reader_id":8}`)
		source.push(dataplane.DecodeEvent(common.ChatSubject(1, 42), body))
		_, err = uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Len(sender.Frames, 1)
		assert.Len(member.Frames, 1)
	}
	assert.Equal(3, source.ackedCount())
	assert.Equal(uint64(0), uut.Stats().FramesDropped)
}

func TestDispatchChatWorkspaceScope(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, 0)
	key := common.ChatRoutingKey(42)
	local, err := reg.Admit(registry.ConnectionMeta{}, 7, 1, []common.RoutingKey{key})
	assert.Nil(err)
	foreign, err := reg.Admit(registry.ConnectionMeta{}, 8, 2, []common.RoutingKey{
		key, common.UserRoutingKey(8),
	})
	assert.Nil(err)

	source := &fakeSource{}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	// Case 0: chat event only reaches connections of its workspace
	source.push(messageEvent(1, 42, 100))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(local.Frames, 1)
	assert.Len(foreign.Frames, 0)

	// Case 1: same chat ID in the other workspace
	source.push(messageEvent(2, 42, 101))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(local.Frames, 1)
	assert.Len(foreign.Frames, 1)

	// Case 2: user keys are not workspace scoped
	{
		body := []byte(`{"event":"MessageRead","message_id":100,"chat_id":42,"reader_id":9}`)
		source.push(dataplane.DecodeEvent(common.UserSubject(1, 8), body))
		_, err = uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Len(foreign.Frames, 2)
	}
	assert.Equal(3, source.ackedCount())
}

func TestDispatchMembershipChange(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, 0)
	chat42 := common.ChatRoutingKey(42)
	chat43 := common.ChatRoutingKey(43)
	member, err := reg.Admit(registry.ConnectionMeta{}, 8, 1, []common.RoutingKey{
		common.UserRoutingKey(8), chat42,
	})
	assert.Nil(err)
	joiner, err := reg.Admit(registry.ConnectionMeta{}, 9, 1, []common.RoutingKey{
		common.UserRoutingKey(9), chat42,
	})
	assert.Nil(err)

	source := &fakeSource{}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	// Case 0: a member who left the chat stops receiving its messages
	{
		body := []byte(`{"event":"UserLeftChat","chat_id":42,"user_id":8}`)
		source.push(dataplane.DecodeEvent(common.ChatSubject(1, 42), body))
		source.push(messageEvent(1, 42, 100))
		count, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal([]string{joiner.ID}, index.Lookup(chat42))
		assert.Len(member.Frames, 1)
		frame := <-member.Frames
		assert.Equal(dataplane.MemberLeft, frame.Body.Kind)
		assert.Len(joiner.Frames, 2)
		<-joiner.Frames
		<-joiner.Frames
	}

	// Case 1: a new member starts receiving the chat on its open connections
	{
		assert.Empty(index.Lookup(chat43))
		body := []byte(`{"event":"UserJoinedChat","chat_id":43,"user_id":9}`)
		source.push(dataplane.DecodeEvent(common.ChatSubject(1, 43), body))
		source.push(messageEvent(1, 43, 101))
		count, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Equal(2, count)
		assert.Equal([]string{joiner.ID}, index.Lookup(chat43))
		assert.Len(joiner.Frames, 2)
		first := <-joiner.Frames
		second := <-joiner.Frames
		assert.Equal(dataplane.MemberJoined, first.Body.Kind)
		assert.Equal(dataplane.MessageCreated, second.Body.Kind)
		assert.Len(member.Frames, 0)
	}

	// Case 2: membership change of a user with no local connection
	{
		body := []byte(`{"event":"UserJoinedChat","chat_id":43,"user_id":10}`)
		source.push(dataplane.DecodeEvent(common.ChatSubject(1, 43), body))
		_, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
		assert.Equal([]string{joiner.ID}, index.Lookup(chat43))
		<-joiner.Frames
	}
	assert.Equal(5, source.ackedCount())
}

func TestDispatchNoDuplicateWithinPass(t *testing.T) {
	assert := assert.New(t)

	source := &fakeSource{}
	enqueuer := &countingEnqueuer{calls: map[string]int{}}
	resolver := fixedResolver{"conn-0", "conn-1", "conn-0", "conn-1", "conn-2"}
	uut, err := GetDispatcher("testing", testParams(), source, resolver, enqueuer, nil)
	assert.Nil(err)

	source.push(messageEvent(1, 42, 1))
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Equal(map[string]int{"conn-0": 1, "conn-1": 1, "conn-2": 1}, enqueuer.calls)
	assert.Equal(uint64(3), uut.Stats().FramesEnqueued)
}

func TestDispatchSlowConsumerIsolation(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, time.Millisecond*100)
	key := common.ChatRoutingKey(42)
	slow, err := reg.Admit(registry.ConnectionMeta{}, 7, 1, []common.RoutingKey{key})
	assert.Nil(err)
	healthy, err := reg.Admit(registry.ConnectionMeta{}, 8, 1, []common.RoutingKey{key})
	assert.Nil(err)

	// Healthy client keeps reading
	received := make(chan uint64, 1000)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case frame := <-healthy.Frames:
				received <- frame.Seq
			case <-healthy.Evict:
				return
			}
		}
	}()

	source := &fakeSource{}
	for itr := int64(1); itr <= 300; itr++ {
		source.push(messageEvent(1, 42, itr))
	}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, nil)
	assert.Nil(err)

	start := time.Now()
	for source.ackedCount() < 300 {
		_, err := uut.ProcessBatch(context.Background())
		assert.Nil(err)
	}
	assert.Less(time.Since(start), time.Second*5)

	// Slow connection was evicted
	select {
	case <-slow.Evict:
	case <-time.After(time.Second):
		assert.Fail("slow connection not evicted")
	}
	info, err := reg.Get(slow.ID)
	assert.Nil(err)
	assert.Equal(registry.Draining.String(), info.Status)
	assert.Equal(256, info.QueueDepth)

	// Healthy connection received every frame, in order
	deadline := time.After(time.Second * 2)
	for itr := uint64(1); itr <= 300; itr++ {
		select {
		case seq := <-received:
			assert.Equal(itr, seq)
		case <-deadline:
			assert.Failf("frames missing", "received only %d frames", itr-1)
			itr = 301
		}
	}
	reg.Deregister(healthy.ID)
	reg.Deregister(slow.ID)
	wg.Wait()

	stats := uut.Stats()
	assert.Equal(uint64(300+256), stats.FramesEnqueued)
	assert.Equal(uint64(300-256), stats.FramesDropped)
}

func TestDispatchPoisonEvent(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 16, 0)
	source := &fakeSource{}
	deadLetter := &mockDeadLetter{}
	uut, err := GetDispatcher("testing", testParams(), source, index, reg, deadLetter)
	assert.Nil(err)

	// Case 0: undecodable event is redelivered
	poison := dataplane.DecodeEvent(common.ChatSubject(1, 42), []byte(`{"event":"NewMessage"}`))
	assert.NotNil(poison.DecodeErr)
	poison.NumDelivered = 1
	source.push(poison)
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(source.retried, 1)
	assert.Equal(0, source.ackedCount())

	// Case 1: last delivery is dead lettered and ACKed
	poison.NumDelivered = 5
	deadLetter.On("Report", mock.Anything, poison, poison.DecodeErr).Return().Once()
	source.push(poison)
	_, err = uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Len(source.retried, 1)
	assert.Equal(1, source.ackedCount())
	deadLetter.AssertExpectations(t)

	// Case 2: poison event does not hold back later events
	good := messageEvent(1, 42, 5)
	poison.NumDelivered = 2
	source.push(poison, good)
	count, err := uut.ProcessBatch(context.Background())
	assert.Nil(err)
	assert.Equal(2, count)
	assert.Equal(2, source.ackedCount())

	stats := uut.Stats()
	assert.Equal(uint64(1), stats.EventsDeadLetter)
	assert.Equal(uint64(2), stats.EventsRetried)
}

func TestDispatcherLoop(t *testing.T) {
	assert := assert.New(t)

	reg, index := defineTestRegistry(t, 256, 0)
	session, err := reg.Admit(registry.ConnectionMeta{}, 7, 1, []common.RoutingKey{
		common.ChatRoutingKey(42),
	})
	assert.Nil(err)

	source := &fakeSource{
		pullErrs: []error{dataplane.ErrBusUnavailable, dataplane.ErrBusUnavailable},
	}
	params := testParams()
	params.BusRetryInitialWait = time.Millisecond * 10
	params.BusRetryMaxWait = time.Millisecond * 20
	uut, err := GetDispatcher("testing", params, source, index, reg, nil)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Nil(uut.Start(ctxt))
	assert.NotNil(uut.Start(ctxt))

	for itr := int64(1); itr <= 10; itr++ {
		source.push(messageEvent(1, 42, itr))
	}
	assert.Eventually(func() bool {
		return source.ackedCount() == 10
	}, time.Second*2, time.Millisecond*10)
	assert.True(uut.Stats().Running)
	assert.True(uut.Stats().BusHealthy)
	assert.Len(session.Frames, 10)

	assert.Nil(uut.Stop())
	assert.False(uut.Stats().Running)

	// Events arriving after stop are not read
	source.push(messageEvent(1, 42, 11))
	time.Sleep(time.Millisecond * 50)
	assert.Equal(10, source.ackedCount())
}
