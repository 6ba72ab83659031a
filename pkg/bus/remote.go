// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// reconnectBaseDelay is the initial remote reconnect backoff.
	reconnectBaseDelay = 1 * time.Second

	// reconnectMaxDelay caps the remote reconnect backoff.
	reconnectMaxDelay = 30 * time.Second
)

// Remote is a cross-process fan-out transport for the bus.
type Remote interface {
	// Publish sends the event to the shared channel. At-most-once: a failed
	// publish is not retried.
	Publish(ctx context.Context, ev Event) error

	// Start begins receiving messages, invoking receive for each one.
	// Implementations reconnect on channel failure until ctx is cancelled
	// or Close is called.
	Start(ctx context.Context, receive func(Event)) error

	// Close tears the transport down.
	Close() error
}

// RedisRemote fans events out over a Redis pub/sub channel.
type RedisRemote struct {
	client  *redis.Client
	channel string

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewRedisRemote creates a Redis-backed remote on the given channel.
func NewRedisRemote(client *redis.Client, channel string) *RedisRemote {
	if channel == "" {
		channel = "maestro.events"
	}
	return &RedisRemote{
		client:  client,
		channel: channel,
	}
}

// Publish sends the event as a JSON message.
func (r *RedisRemote) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

// Start launches the receive loop. Disconnects are logged and retried with
// exponential backoff (1s doubling to a 30s cap).
func (r *RedisRemote) Start(ctx context.Context, receive func(Event)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("remote is closed")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go r.receiveLoop(loopCtx, receive)
	return nil
}

func (r *RedisRemote) receiveLoop(ctx context.Context, receive func(Event)) {
	delay := reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.Subscribe(ctx, r.channel)

		// Block until the subscription is confirmed so we know whether to
		// back off before the message loop starts.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Event channel connect failed, retrying",
				"channel", r.channel,
				"delay", delay,
				"error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		delay = reconnectBaseDelay
		slog.Debug("Event channel connected", "channel", r.channel)

		ch := pubsub.Channel()
		for msg := range ch {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("Dropping malformed remote event",
					"channel", r.channel,
					"error", err)
				continue
			}
			receive(ev)
		}

		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Event channel disconnected, reconnecting",
			"channel", r.channel,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// Close stops the receive loop.
func (r *RedisRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
