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

// Package bustest starts message brokers in docker for bus tests.
package bustest

import (
	"fmt"
	"math/rand/v2"
	"net"
	"testing"

	"github.com/ory/dockertest/v3"
	"go.uber.org/atomic"

	"github.com/livekit/psflight/internal/bus"
)

var containerSeq = atomic.NewUint32(rand.Uint32N(1000))

// Server is a running broker that buses can be connected to.
type Server interface {
	Connect(t testing.TB) bus.MessageBus
}

type ServerFunc func(t testing.TB, pool *dockertest.Pool) Server

var servers = []struct {
	name string
	fn   ServerFunc
}{
	{"Local", func(testing.TB, *dockertest.Pool) Server { return NewLocalBus() }},
	{"NATS", NewNATS},
	{"Redis", NewRedis},
}

// Docker returns a docker pool, skipping the test if docker is not reachable.
func Docker(t testing.TB) *dockertest.Pool {
	pool, err := dockertest.NewPool("")
	if err == nil {
		err = pool.Client.Ping()
	}
	if err != nil {
		t.Skip("docker unavailable:", err)
	}
	return pool
}

// TestAll runs test against every broker.
func TestAll(t *testing.T, test func(t *testing.T, connect func(t testing.TB) bus.MessageBus)) {
	pool := Docker(t)
	for _, s := range servers {
		t.Run(s.name, func(t *testing.T) {
			test(t, s.fn(t, pool).Connect)
		})
	}
}

// runContainer starts repo:latest, waits until port accepts connections and
// until probe succeeds against it. The container is purged on cleanup.
func runContainer(t testing.TB, pool *dockertest.Pool, repo, port string, probe func(addr string) error) string {
	c, err := pool.RunWithOptions(&dockertest.RunOptions{
		Name:       fmt.Sprintf("psflight-%s-%d", repo, containerSeq.Inc()),
		Repository: repo,
		Tag:        "latest",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pool.Purge(c) })

	addr := c.GetHostPort(port)
	err = pool.Retry(func() error {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		_ = conn.Close()
		return probe(addr)
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("%s running on %s", repo, addr)
	return addr
}

// connectFunc adapts a dial function into a Server.
type connectFunc func() (bus.MessageBus, error)

func (f connectFunc) Connect(t testing.TB) bus.MessageBus {
	b, err := f()
	if err != nil {
		t.Fatal(err)
	}
	return b
}
