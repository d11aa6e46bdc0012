// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"encoding/hex"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/livekit/psflight/internal/logger"
	"github.com/livekit/psflight/internal/wire"
)

const (
	redisClaimTTL      = 5 * time.Second
	redisRetryInterval = time.Second
	redisClaimPrefix   = "psflight:claim:"
)

// redisMessageBus multiplexes every subscription of the process over a
// single redis PubSub connection. Each queue message is delivered once across
// processes by claiming it with SETNX before it is read.
type redisMessageBus struct {
	rc  redis.UniversalClient
	ps  *redis.PubSub
	ctx context.Context

	mu     sync.Mutex
	routes map[string]*redisRoute

	// commands run in order on a single goroutine
	tasks *deque.Deque[func()]
	wake  chan struct{}

	// channels whose redis subscription may need to change
	dirty  map[string]struct{}
	active map[string]struct{}
}

func NewRedisMessageBus(rc redis.UniversalClient) MessageBus {
	ctx := context.Background()
	r := &redisMessageBus{
		rc:     rc,
		ps:     rc.Subscribe(ctx),
		ctx:    ctx,
		routes: make(map[string]*redisRoute),
		tasks:  deque.New[func()](),
		wake:   make(chan struct{}, 1),
		dirty:  make(map[string]struct{}),
		active: make(map[string]struct{}),
	}
	go r.receive()
	go r.run()
	return r
}

func (r *redisMessageBus) Publish(_ context.Context, channel string, msg wire.Message) error {
	b, err := serialize(msg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.schedule(func() {
		if err := r.rc.Publish(r.ctx, channel, b).Err(); err != nil {
			logger.Error(err, "redis publish failed", "channel", channel)
		}
	})
	r.mu.Unlock()
	return nil
}

func (r *redisMessageBus) Subscribe(ctx context.Context, channel string, size int) (Reader, error) {
	return r.subscribe(ctx, channel, size, false), nil
}

func (r *redisMessageBus) SubscribeQueue(ctx context.Context, channel string, size int) (Reader, error) {
	return r.subscribe(ctx, channel, size, true), nil
}

func (r *redisMessageBus) subscribe(ctx context.Context, channel string, size int, queue bool) *redisReader {
	rd := &redisReader{
		bus:     r,
		ctx:     ctx,
		channel: channel,
		queue:   queue,
		msgs:    make(chan *redis.Message, size),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	route := r.routes[channel]
	if route == nil {
		route = &redisRoute{}
		r.routes[channel] = route
		r.markDirty(channel)
	}
	route.add(rd)
	return rd
}

func (r *redisMessageBus) unsubscribe(rd *redisReader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route := r.routes[rd.channel]
	if route == nil || !route.remove(rd) {
		return
	}
	close(rd.msgs)

	if route.empty() {
		delete(r.routes, rd.channel)
		r.markDirty(rd.channel)
	}
}

// receive fans messages from the shared PubSub connection out to readers.
func (r *redisMessageBus) receive() {
	for {
		msg, err := r.ps.ReceiveMessage(r.ctx)
		if err != nil {
			return
		}

		r.mu.Lock()
		if route := r.routes[msg.Channel]; route != nil {
			route.dispatch(msg)
		}
		r.mu.Unlock()
	}
}

func (r *redisMessageBus) markDirty(channel string) {
	if len(r.dirty) == 0 {
		r.schedule(r.syncSubscriptions)
	}
	r.dirty[channel] = struct{}{}
}

func (r *redisMessageBus) schedule(task func()) {
	r.tasks.PushBack(task)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *redisMessageBus) run() {
	for range r.wake {
		r.mu.Lock()
		for r.tasks.Len() > 0 {
			task := r.tasks.PopFront()
			r.mu.Unlock()
			task()
			r.mu.Lock()
		}
		r.mu.Unlock()
	}
}

// syncSubscriptions brings the PubSub connection in line with the routes
// table, retrying channels whose command failed.
func (r *redisMessageBus) syncSubscriptions() {
	for {
		r.mu.Lock()
		if len(r.dirty) == 0 {
			r.mu.Unlock()
			return
		}
		var add, drop []string
		for c := range r.dirty {
			_, active := r.active[c]
			_, wanted := r.routes[c]
			switch {
			case wanted && !active:
				add = append(add, c)
			case !wanted && active:
				drop = append(drop, c)
			}
		}
		maps.Clear(r.dirty)
		r.mu.Unlock()

		var addErr, dropErr error
		if len(add) > 0 {
			addErr = r.ps.Subscribe(r.ctx, add...)
		}
		if len(drop) > 0 {
			dropErr = r.ps.Unsubscribe(r.ctx, drop...)
		}

		r.mu.Lock()
		r.settle(add, addErr, true)
		r.settle(drop, dropErr, false)
		r.mu.Unlock()

		if err := multierr.Combine(addErr, dropErr); err != nil {
			logger.Error(err, "redis subscription update failed", "subscribe", add, "unsubscribe", drop)
			time.Sleep(redisRetryInterval)
		}
	}
}

func (r *redisMessageBus) settle(channels []string, err error, subscribed bool) {
	for _, c := range channels {
		switch {
		case err != nil:
			r.dirty[c] = struct{}{}
		case subscribed:
			r.active[c] = struct{}{}
		default:
			delete(r.active, c)
		}
	}
}

// redisRoute holds the local readers of one redis channel.
type redisRoute struct {
	broadcast []*redisReader
	queue     []*redisReader
	next      int
}

func (t *redisRoute) add(rd *redisReader) {
	if rd.queue {
		t.queue = append(t.queue, rd)
	} else {
		t.broadcast = append(t.broadcast, rd)
	}
}

func (t *redisRoute) remove(rd *redisReader) bool {
	list := &t.broadcast
	if rd.queue {
		list = &t.queue
	}
	i := slices.Index(*list, rd)
	if i < 0 {
		return false
	}
	*list = slices.Delete(*list, i, i+1)
	return true
}

func (t *redisRoute) empty() bool {
	return len(t.broadcast) == 0 && len(t.queue) == 0
}

func (t *redisRoute) dispatch(msg *redis.Message) {
	for _, rd := range t.broadcast {
		rd.deliver(msg)
	}
	if n := len(t.queue); n > 0 {
		t.next = (t.next + 1) % n
		t.queue[t.next].deliver(msg)
	}
}

type redisReader struct {
	bus     *redisMessageBus
	ctx     context.Context
	channel string
	queue   bool
	msgs    chan *redis.Message
	closed  core.Fuse
	once    sync.Once
}

func (rd *redisReader) deliver(msg *redis.Message) {
	select {
	case rd.msgs <- msg:
	case <-rd.closed.Watch():
	}
}

func (rd *redisReader) read() ([]byte, bool) {
	for {
		var msg *redis.Message
		select {
		case m, ok := <-rd.msgs:
			if !ok {
				return nil, false
			}
			msg = m
		case <-rd.ctx.Done():
			_ = rd.Close()
			return nil, false
		}

		if rd.queue && !rd.claim(msg) {
			continue
		}
		return []byte(msg.Payload), true
	}
}

// claim reports whether this process won the message. Requests carry unique
// ids, so identical payloads on a channel are the same message.
func (rd *redisReader) claim(msg *redis.Message) bool {
	sum := xxh3.HashString128(msg.Channel + "\x00" + msg.Payload).Bytes()
	key := redisClaimPrefix + hex.EncodeToString(sum[:])
	ok, err := rd.bus.rc.SetNX(rd.ctx, key, rand.Int64(), redisClaimTTL).Result()
	return err == nil && ok
}

func (rd *redisReader) Close() error {
	rd.once.Do(func() {
		rd.closed.Break()
		rd.bus.unsubscribe(rd)
	})
	return nil
}
