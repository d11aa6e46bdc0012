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
	"sync"

	"github.com/frostbyte73/core"
	"golang.org/x/exp/slices"

	"github.com/livekit/psflight/internal/wire"
)

// localMessageBus connects clients and servers within a single process.
type localMessageBus struct {
	mu     sync.Mutex
	topics map[string]*localTopic
}

func NewLocalMessageBus() MessageBus {
	return &localMessageBus{
		topics: make(map[string]*localTopic),
	}
}

func (l *localMessageBus) Publish(_ context.Context, channel string, msg wire.Message) error {
	b, err := serialize(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	t := l.topics[channel]
	l.mu.Unlock()

	if t != nil {
		t.dispatch(b)
	}
	return nil
}

func (l *localMessageBus) Subscribe(ctx context.Context, channel string, size int) (Reader, error) {
	return l.subscribe(ctx, channel, size, false), nil
}

func (l *localMessageBus) SubscribeQueue(ctx context.Context, channel string, size int) (Reader, error) {
	return l.subscribe(ctx, channel, size, true), nil
}

func (l *localMessageBus) subscribe(ctx context.Context, channel string, size int, queue bool) *localReader {
	r := &localReader{
		msgChan: make(chan []byte, size),
	}

	l.mu.Lock()
	t := l.topics[channel]
	if t == nil {
		t = &localTopic{}
		l.topics[channel] = t
	}
	r.onClose = func() {
		// bus lock before topic lock
		l.mu.Lock()
		if t.remove(r) && l.topics[channel] == t {
			delete(l.topics, channel)
		}
		l.mu.Unlock()
	}
	t.add(r, queue)
	l.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = r.Close() })
	return r
}

// localTopic holds the readers of one channel. Broadcast readers receive
// every message; queue readers take turns.
type localTopic struct {
	mu        sync.Mutex
	broadcast []*localReader
	queue     []*localReader
	next      int
}

func (t *localTopic) add(r *localReader, queue bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if queue {
		t.queue = append(t.queue, r)
	} else {
		t.broadcast = append(t.broadcast, r)
	}
}

// remove drops r and reports whether the topic has no readers left. Once
// it returns, no further writes to r are in progress.
func (t *localTopic) remove(r *localReader) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	match := func(o *localReader) bool { return o == r }
	t.broadcast = slices.DeleteFunc(t.broadcast, match)
	t.queue = slices.DeleteFunc(t.queue, match)
	return len(t.broadcast) == 0 && len(t.queue) == 0
}

func (t *localTopic) dispatch(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.broadcast {
		r.write(b)
	}
	if n := len(t.queue); n > 0 {
		t.next = (t.next + 1) % n
		t.queue[t.next].write(b)
	}
}

type localReader struct {
	msgChan chan []byte
	closed  core.Fuse
	once    sync.Once
	onClose func()
}

// write blocks while the reader is full, unless it is closed.
func (r *localReader) write(b []byte) {
	select {
	case r.msgChan <- b:
	case <-r.closed.Watch():
	}
}

func (r *localReader) read() ([]byte, bool) {
	b, ok := <-r.msgChan
	return b, ok
}

func (r *localReader) Close() error {
	r.once.Do(func() {
		r.closed.Break()
		r.onClose()
		close(r.msgChan)
	})
	return nil
}
