/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package bridge

import (
	"sync"

	"golang.org/x/time/rate"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/telemetry"
)

// sendQueueCap bounds the per-client outbound queue. A dashboard that cannot
// keep up loses event frames, never its connection.
const sendQueueCap = 64

// frame is one queued outbound message. Protected frames (status snapshots,
// command acks) are only evicted once no ordinary event frame is left to drop.
type frame struct {
	protected bool
	data      []byte
}

// client is one connected dashboard socket.
type client struct {
	conn *ws.Conn

	mu    sync.Mutex
	queue []frame
	wake  chan struct{}

	progress *rate.Limiter
	levels   *rate.Limiter
}

func newClient(conn *ws.Conn, progressHz, levelsHz float64) *client {
	return &client{
		conn:     conn,
		wake:     make(chan struct{}, 1),
		progress: rate.NewLimiter(rate.Limit(progressHz), 1),
		levels:   rate.NewLimiter(rate.Limit(levelsHz), 1),
	}
}

// admit applies the per-topic outbound rate caps. The two high-frequency
// telemetry topics are shaped per client; everything else passes.
func (c *client) admit(topic schemas.Topic) bool {
	switch topic {
	case schemas.TopicMusicProgress:
		return c.progress.Allow()
	case schemas.TopicMicLevels:
		return c.levels.Allow()
	default:
		return true
	}
}

// enqueue appends a frame, evicting the oldest unprotected frame when the
// queue is full. If the queue is all protected frames the head goes instead,
// so enqueue never blocks the bus handler.
func (c *client) enqueue(f frame) {
	c.mu.Lock()
	if len(c.queue) >= sendQueueCap {
		victim := 0
		for i := range c.queue {
			if !c.queue[i].protected {
				victim = i
				break
			}
		}
		c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
		telemetry.WSEventsDropped.Inc()
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain takes all queued frames in order.
func (c *client) drain() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}
