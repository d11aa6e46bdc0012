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

	"github.com/nats-io/nats.go"

	"github.com/livekit/psflight/internal/wire"
)

const natsQueueGroup = "bus"

type natsMessageBus struct {
	nc *nats.Conn
}

func NewNatsMessageBus(nc *nats.Conn) MessageBus {
	return &natsMessageBus{
		nc: nc,
	}
}

func (n *natsMessageBus) Publish(_ context.Context, channel string, msg wire.Message) error {
	b, err := serialize(msg)
	if err != nil {
		return err
	}
	return n.nc.Publish(channel, b)
}

func (n *natsMessageBus) Subscribe(ctx context.Context, channel string, size int) (Reader, error) {
	return n.subscribe(ctx, channel, size, false)
}

func (n *natsMessageBus) SubscribeQueue(ctx context.Context, channel string, size int) (Reader, error) {
	return n.subscribe(ctx, channel, size, true)
}

func (n *natsMessageBus) subscribe(ctx context.Context, channel string, size int, queue bool) (*natsSubscription, error) {
	msgChan := make(chan *nats.Msg, size)
	var sub *nats.Subscription
	var err error
	if queue {
		sub, err = n.nc.ChanQueueSubscribe(channel, natsQueueGroup, msgChan)
	} else {
		sub, err = n.nc.ChanSubscribe(channel, msgChan)
	}
	if err != nil {
		return nil, err
	}

	return &natsSubscription{
		ctx:     ctx,
		sub:     sub,
		msgChan: msgChan,
	}, nil
}

type natsSubscription struct {
	ctx       context.Context
	sub       *nats.Subscription
	msgChan   chan *nats.Msg
	closeOnce sync.Once
	closeErr  error
}

func (n *natsSubscription) read() ([]byte, bool) {
	select {
	case msg, ok := <-n.msgChan:
		if !ok {
			return nil, false
		}
		return msg.Data, true
	case <-n.ctx.Done():
		_ = n.Close()
		return nil, false
	}
}

func (n *natsSubscription) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.sub.Unsubscribe()
		close(n.msgChan)
	})
	return n.closeErr
}
