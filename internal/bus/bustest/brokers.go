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

package bustest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/psflight/internal/bus"
)

// NewLocalBus returns a Server whose connections share one in-process bus.
func NewLocalBus() Server {
	b := bus.NewLocalMessageBus()
	return connectFunc(func() (bus.MessageBus, error) { return b, nil })
}

func NewNATS(t testing.TB, pool *dockertest.Pool) Server {
	addr := runContainer(t, pool, "nats", "4222/tcp", func(addr string) error {
		nc, err := dialNATS(addr)
		if err == nil {
			nc.Close()
		}
		return err
	})
	return connectFunc(func() (bus.MessageBus, error) {
		nc, err := dialNATS(addr)
		if err != nil {
			return nil, err
		}
		return bus.NewNatsMessageBus(nc), nil
	})
}

func dialNATS(addr string) (*nats.Conn, error) {
	nc, err := nats.Connect("nats://" + addr)
	if err != nil {
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

func NewRedis(t testing.TB, pool *dockertest.Pool) Server {
	addr := runContainer(t, pool, "redis", "6379/tcp", func(addr string) error {
		rc, err := dialRedis(addr)
		if err == nil {
			_ = rc.Close()
		}
		return err
	})
	return connectFunc(func() (bus.MessageBus, error) {
		rc, err := dialRedis(addr)
		if err != nil {
			return nil, err
		}
		return bus.NewRedisMessageBus(rc), nil
	})
}

func dialRedis(addr string) (redis.UniversalClient, error) {
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return rc, nil
}
