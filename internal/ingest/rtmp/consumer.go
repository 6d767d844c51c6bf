package rtmp

import (
	"sync"
	"sync/atomic"
)

// pullConsumer forwards a producer's frames to one play session. Delivery
// waits for the first keyframe so decoders start clean.
type pullConsumer struct {
	sess *mediaSession

	mu      sync.Mutex
	pending [][]mediaFrame

	frameCome chan struct{}
	quit      chan struct{}
	closed    atomic.Bool
	die       sync.Once
}

func newPullConsumer(sess *mediaSession) *pullConsumer {
	return &pullConsumer{
		sess:      sess,
		frameCome: make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

func (c *pullConsumer) play(batch []mediaFrame) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, batch)
	c.mu.Unlock()
	select {
	case c.frameCome <- struct{}{}:
	default:
	}
}

func (c *pullConsumer) run() {
	waitingKeyframe := true
	for {
		select {
		case <-c.frameCome:
			c.mu.Lock()
			batches := c.pending
			c.pending = nil
			c.mu.Unlock()

			for _, batch := range batches {
				for _, frame := range batch {
					if waitingKeyframe {
						if !frame.keyframe {
							continue
						}
						waitingKeyframe = false
					}
					if err := c.sess.handle.WriteFrame(frame.cid, frame.data, frame.pts, frame.dts); err != nil {
						c.sess.logger.Warn("play write failed", "error", err)
						c.close()
						return
					}
				}
			}
		case <-c.quit:
			return
		}
	}
}

func (c *pullConsumer) close() {
	c.closed.Store(true)
	c.die.Do(func() {
		close(c.quit)
		c.sess.close()
	})
}
