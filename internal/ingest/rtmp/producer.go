package rtmp

import (
	"sync"
	"time"

	"github.com/yapingcat/gomedia/go-codec"
)

const batchInterval = 500 * time.Millisecond

type mediaFrame struct {
	cid      codec.CodecID
	data     []byte
	pts      uint32
	dts      uint32
	keyframe bool
}

func (f mediaFrame) clone() mediaFrame {
	data := make([]byte, len(f.data))
	copy(data, f.data)
	cloned := f
	cloned.data = data
	return cloned
}

// producer receives frames from a publishing session, batches them, and fans
// them out to attached play consumers.
type producer struct {
	streamKey string
	session   *mediaSession

	mu        sync.Mutex
	consumers []*pullConsumer

	batches    chan []mediaFrame
	current    []mediaFrame
	batchStart time.Time

	quit chan struct{}
	die  sync.Once
}

func newProducer(streamKey string, sess *mediaSession) *producer {
	return &producer{
		streamKey: streamKey,
		session:   sess,
		batches:   make(chan []mediaFrame, 256),
	}
}

func (p *producer) start() {
	p.quit = make(chan struct{})
	p.session.handle.OnFrame(func(cid codec.CodecID, pts, dts uint32, frame []byte) {
		if p.current == nil {
			p.batchStart = time.Now()
		}
		f := mediaFrame{cid: cid, pts: pts, dts: dts}
		f.data = make([]byte, len(frame))
		copy(f.data, frame)
		switch cid {
		case codec.CODECID_VIDEO_H264:
			f.keyframe = codec.IsH264IDRFrame(frame)
		case codec.CODECID_VIDEO_H265:
			f.keyframe = codec.IsH265IDRFrame(frame)
		}
		p.current = append(p.current, f)

		if time.Since(p.batchStart) >= batchInterval {
			select {
			case p.batches <- p.current:
			default:
				// A full channel means no consumer is draining; drop the
				// batch rather than stall the publisher's read loop.
			}
			p.current = nil
		}
	})
	go p.dispatch()
}

func (p *producer) dispatch() {
	for {
		select {
		case batch := <-p.batches:
			p.mu.Lock()
			consumers := append([]*pullConsumer(nil), p.consumers...)
			p.mu.Unlock()
			for _, c := range consumers {
				c.play(batch)
			}
		case <-p.session.quit:
			return
		case <-p.quit:
			return
		}
	}
}

func (p *producer) addConsumer(c *pullConsumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

func (p *producer) close() {
	p.mu.Lock()
	consumers := append([]*pullConsumer(nil), p.consumers...)
	p.consumers = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.close()
	}
	p.die.Do(func() {
		if p.quit != nil {
			close(p.quit)
		}
		p.session.close()
	})
}
