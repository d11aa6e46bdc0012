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

// Package config loads deployment settings from the environment.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/pkg/msgbus"
)

type BusType string

const (
	BusLocal BusType = "local"
	BusNats  BusType = "nats"
	BusRedis BusType = "redis"
)

type Config struct {
	Bus    BusConfig    `envPrefix:"BUS_"`
	Client ClientConfig `envPrefix:"CLIENT_"`
	Server ServerConfig `envPrefix:"SERVER_"`
}

type BusConfig struct {
	Type          BusType       `env:"TYPE"           envDefault:"local"`
	NatsURL       string        `env:"NATS_URL"       envDefault:"nats://127.0.0.1:4222"`
	RedisAddrs    []string      `env:"REDIS_ADDRS"    envDefault:"127.0.0.1:6379" envSeparator:","`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT"   envDefault:"5s"`
}

type ClientConfig struct {
	ID          string        `env:"ID"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"3s"`
	ChannelSize int           `env:"CHANNEL_SIZE" envDefault:"100"`
}

type ServerConfig struct {
	ID          string        `env:"ID"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"1m"`
	ChannelSize int           `env:"CHANNEL_SIZE" envDefault:"100"`
}

// Load reads PSFLIGHT_ prefixed variables from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: "PSFLIGHT_"})
}

// LoadFrom reads PSFLIGHT_ prefixed variables from environment instead of
// the process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: "PSFLIGHT_", Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	c.Bus.Type = BusType(strings.ToLower(string(c.Bus.Type)))
	switch c.Bus.Type {
	case BusLocal, BusNats, BusRedis:
	default:
		return psflight.NewErrorf(psflight.InvalidArgument, "unknown bus type %q", c.Bus.Type)
	}
	if c.Client.Timeout < 0 || c.Server.Timeout < 0 {
		return psflight.NewErrorf(psflight.InvalidArgument, "timeouts must not be negative")
	}
	if c.Client.ChannelSize < 0 || c.Server.ChannelSize < 0 {
		return psflight.NewErrorf(psflight.InvalidArgument, "channel sizes must not be negative")
	}
	return nil
}

// NewMessageBus connects to the configured bus. The returned close function
// releases the underlying connection.
func (c *Config) NewMessageBus(ctx context.Context) (msgbus.MessageBus, func() error, error) {
	switch c.Bus.Type {
	case BusNats:
		nc, err := nats.Connect(c.Bus.NatsURL, nats.Timeout(c.Bus.DialTimeout))
		if err != nil {
			return nil, nil, psflight.NewError(psflight.Unavailable, err)
		}
		return msgbus.NewNatsMessageBus(nc), func() error { nc.Close(); return nil }, nil

	case BusRedis:
		rc := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       c.Bus.RedisAddrs,
			Username:    c.Bus.RedisUsername,
			Password:    c.Bus.RedisPassword,
			DB:          c.Bus.RedisDB,
			DialTimeout: c.Bus.DialTimeout,
		})
		ctx, cancel := context.WithTimeout(ctx, c.Bus.DialTimeout)
		defer cancel()
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, psflight.NewError(psflight.Unavailable, err)
		}
		return msgbus.NewRedisMessageBus(rc), rc.Close, nil

	default:
		return msgbus.NewLocalMessageBus(), func() error { return nil }, nil
	}
}

func (c *Config) ClientOptions() []psflight.ClientOption {
	opts := []psflight.ClientOption{
		psflight.WithClientTimeout(c.Client.Timeout),
		psflight.WithClientChannelSize(c.Client.ChannelSize),
	}
	if c.Client.ID != "" {
		opts = append(opts, psflight.WithClientID(c.Client.ID))
	}
	return opts
}

func (c *Config) ServerOptions() []psflight.ServerOption {
	opts := []psflight.ServerOption{
		psflight.WithServerTimeout(c.Server.Timeout),
		psflight.WithServerChannelSize(c.Server.ChannelSize),
	}
	if c.Server.ID != "" {
		opts = append(opts, psflight.WithServerID(c.Server.ID))
	}
	return opts
}
