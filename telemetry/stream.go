// Package telemetry fans unsolicited device frames out to subscribers.
//
// The stream is lossy on purpose: a slow consumer loses the oldest
// buffered sample, never the publisher's time. Drops are counted per
// subscriber, gaps in the device-side sequence numbers are counted on
// the stream.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drivelink-io/drivelink/helpers"
	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
)

const DefaultDepth = 32

// Sample is one decoded telemetry item.
type Sample struct {
	Status proto.GeneralStatus
	At     time.Time
	Seq    uint16
}

type Stat struct {
	Samples   uint32
	Gaps      uint32 // samples the device sent that never reached us
	Resets    uint32 // sequence counter restarts (device reboot)
	BadDecode uint32
	NoSchema  uint32 // arrived before a registry was pinned
}

type Stream struct {
	log *log2.Log

	lk      sync.Mutex
	reg     *proto.Registry
	subs    map[*Subscription]struct{}
	textFn  func(string)
	lastSeq uint16
	haveSeq bool
	closed  bool

	stat Stat
}

func NewStream(log *log2.Log) *Stream {
	return &Stream{
		log:  log,
		subs: make(map[*Subscription]struct{}, 4),
	}
}

// SetRegistry pins the decode schema; frames arriving before this are
// counted and dropped.
func (self *Stream) SetRegistry(r *proto.Registry) {
	helpers.WithLock(&self.lk, func() { self.reg = r })
}

// OnText registers the consumer of device log text lines. The callback
// runs on the reader goroutine and must not block.
func (self *Stream) OnText(fn func(string)) {
	helpers.WithLock(&self.lk, func() { self.textFn = fn })
}

type Subscription struct {
	stream  *Stream
	ch      chan Sample
	dropped uint32
	once    sync.Once
}

func (s *Subscription) C() <-chan Sample { return s.ch }

// Dropped is the number of samples this subscriber lost to a full
// buffer since Subscribe.
func (s *Subscription) Dropped() uint32 { return atomic.LoadUint32(&s.dropped) }

func (s *Subscription) Close() {
	s.once.Do(func() {
		helpers.WithLock(&s.stream.lk, func() { delete(s.stream.subs, s) })
	})
}

// Subscribe starts a fresh subscription with a buffer of depth samples.
// Closing and resubscribing restarts with an empty buffer and a zero
// drop counter.
func (self *Stream) Subscribe(depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultDepth
	}
	sub := &Subscription{stream: self, ch: make(chan Sample, depth)}
	self.lk.Lock()
	if !self.closed {
		self.subs[sub] = struct{}{}
	}
	self.lk.Unlock()
	return sub
}

func (self *Stream) Stat() Stat {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.stat
}

// Close detaches all subscribers. Samples buffered before Close stay
// readable on each subscription channel.
func (self *Stream) Close() {
	self.lk.Lock()
	self.closed = true
	for sub := range self.subs {
		delete(self.subs, sub)
	}
	self.lk.Unlock()
}

// Unsolicited accepts one frame from the reader loop. Never blocks.
func (self *Stream) Unsolicited(f proto.Frame) {
	switch f.Type {
	case proto.TagLogText:
		self.lk.Lock()
		fn := self.textFn
		self.lk.Unlock()
		if fn != nil {
			fn(string(f.Payload))
		}
		return
	case proto.TagGeneralStatus:
	default:
		self.log.Debugf("telemetry ignore frame=%s", &f)
		return
	}

	self.lk.Lock()
	if self.closed {
		self.lk.Unlock()
		return
	}
	reg := self.reg
	if reg == nil {
		self.stat.NoSchema++
		self.lk.Unlock()
		return
	}
	if self.haveSeq {
		switch gap := f.Seq - self.lastSeq - 1; {
		case gap == 0:
		case gap >= 1<<15:
			// large backward jump: the counter restarted, nothing was lost
			self.stat.Resets++
			self.log.Debugf("telemetry sequence restart seq=%d last=%d", f.Seq, self.lastSeq)
		default:
			self.stat.Gaps += uint32(gap)
			self.log.Debugf("telemetry gap=%d seq=%d last=%d", gap, f.Seq, self.lastSeq)
		}
	}
	self.lastSeq = f.Seq
	self.haveSeq = true
	self.lk.Unlock()

	status, err := reg.DecodeStatus(f.Payload)
	if err != nil {
		self.lk.Lock()
		self.stat.BadDecode++
		self.lk.Unlock()
		self.log.Errorf("telemetry decode seq=%d err=%v", f.Seq, err)
		return
	}
	sample := Sample{Status: status, Seq: f.Seq, At: time.Now()}

	self.lk.Lock()
	self.stat.Samples++
	subs := make([]*Subscription, 0, len(self.subs))
	for sub := range self.subs {
		subs = append(subs, sub)
	}
	self.lk.Unlock()

	for _, sub := range subs {
		sub.publish(sample)
	}
}

// publish delivers drop-oldest: overflow evicts the stalest buffered
// sample so the subscriber always sees the most recent window.
func (s *Subscription) publish(sample Sample) {
	for {
		select {
		case s.ch <- sample:
			return
		default:
		}
		select {
		case <-s.ch:
			atomic.AddUint32(&s.dropped, 1)
		default:
		}
	}
}
