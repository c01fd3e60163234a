// Package comm multiplexes one serial link between concurrent solicited
// request/reply exchanges and the unsolicited telemetry stream.
//
// A single reader loop owns the port and the frame decoder. Writes are
// serialized so frames are never interleaved on the wire. Each outgoing
// request gets a fresh correlation token; the matching reply (same Seq)
// resolves its future. Frames whose token is not in the pending table
// are routed to the telemetry sink or discarded, depending on type.
package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/drivelink-io/drivelink/helpers"
	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/transport"
)

const DefaultTimeout = 500 * time.Millisecond

var (
	ErrDisconnected = fmt.Errorf("disconnected")
	ErrClosing      = fmt.Errorf("closing")
)

// Sink receives frames that do not resolve a pending request.
type Sink interface {
	Unsolicited(proto.Frame)
}

// FatalFunc is called (once, on its own goroutine) when the link dies.
type FatalFunc func(error)

type Stat struct {
	Sent        uint32
	Replies     uint32
	Unsolicited uint32
	Late        uint32
	FrameErrors uint32
}

type pendingRequest struct {
	future  *helpers.Future
	timer   *time.Timer
	seq     uint16
	reqType byte
}

type Correlator struct {
	alive   *alive.Alive
	log     *log2.Log
	port    transport.Porter
	sink    Sink
	onFatal FatalFunc

	wlk sync.Mutex // serializes port writes
	dec proto.Decoder

	lk      sync.Mutex
	pending map[uint16]*pendingRequest
	nextSeq uint16

	err  helpers.AtomicError
	last atomic_clock.Clock
	stat Stat
}

func NewCorrelator(port transport.Porter, sink Sink, onFatal FatalFunc, log *log2.Log) *Correlator {
	self := &Correlator{
		alive:   alive.NewAlive(),
		log:     log,
		port:    port,
		sink:    sink,
		onFatal: onFatal,
		pending: make(map[uint16]*pendingRequest, 8),
	}
	self.last.SetNow()
	self.alive.Add(1)
	go self.readLoop()
	return self
}

// Pending is the caller's handle on an in-flight request.
type Pending struct {
	f   *helpers.Future
	Seq uint16
}

// Wait blocks until reply, timeout or teardown. Context cancellation
// abandons the wait; the request itself stays armed until its deadline
// and its eventual result is discarded.
func (p *Pending) Wait(ctx context.Context) (proto.Frame, error) {
	select {
	case <-p.f.Completed():
		return p.f.Result().(proto.Frame), nil
	case <-p.f.Cancelled():
		return proto.Frame{}, p.f.Result().(error)
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

// Submit encodes and sends one request, arming a wall-clock deadline.
// The returned Pending resolves with the correlated reply frame,
// a timeout error, or ErrDisconnected on session teardown.
func (self *Correlator) Submit(typ byte, payload []byte, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if e, _ := self.err.Load(); e != nil {
		return nil, e
	}
	if !self.alive.IsRunning() {
		return nil, ErrClosing
	}

	p := &pendingRequest{future: helpers.NewFuture(), reqType: typ}

	self.lk.Lock()
	p.seq = self.takeSeqLocked()
	self.pending[p.seq] = p
	p.timer = time.AfterFunc(timeout, func() { self.expire(p.seq, timeout) })
	self.lk.Unlock()

	f := proto.Frame{Type: typ, Seq: p.seq, Payload: payload}
	if err := self.write(&f); err != nil {
		self.retire(p.seq)
		p.timer.Stop()
		p.future.Cancel(err)
		return nil, err
	}
	atomic.AddUint32(&self.stat.Sent, 1)
	return &Pending{f: p.future, Seq: p.seq}, nil
}

// Request is Submit+Wait.
func (self *Correlator) Request(ctx context.Context, typ byte, payload []byte, timeout time.Duration) (proto.Frame, error) {
	p, err := self.Submit(typ, payload, timeout)
	if err != nil {
		return proto.Frame{}, err
	}
	return p.Wait(ctx)
}

// Send emits a frame without expecting a correlated reply.
func (self *Correlator) Send(typ byte, payload []byte) error {
	if e, _ := self.err.Load(); e != nil {
		return e
	}
	var seq uint16
	helpers.WithLock(&self.lk, func() { seq = self.takeSeqLocked() })
	f := proto.Frame{Type: typ, Seq: seq, Payload: payload}
	return self.write(&f)
}

// takeSeqLocked returns a token no in-flight request holds; tokens are
// reused only after reply or timeout retires them. Caller holds lk.
func (self *Correlator) takeSeqLocked() uint16 {
	for {
		self.nextSeq++
		if _, busy := self.pending[self.nextSeq]; !busy {
			return self.nextSeq
		}
	}
}

func (self *Correlator) Stat() Stat {
	return Stat{
		Sent:        atomic.LoadUint32(&self.stat.Sent),
		Replies:     atomic.LoadUint32(&self.stat.Replies),
		Unsolicited: atomic.LoadUint32(&self.stat.Unsolicited),
		Late:        atomic.LoadUint32(&self.stat.Late),
		FrameErrors: atomic.LoadUint32(&self.stat.FrameErrors),
	}
}

func (self *Correlator) SinceLastFrame() time.Duration { return atomic_clock.Since(&self.last) }

// Close fails every pending request with ErrDisconnected and stops the
// reader loop. Safe to call more than once.
func (self *Correlator) Close() error {
	self.err.StoreOnce(ErrDisconnected)
	self.alive.Stop()
	self.failAll(ErrDisconnected)
	self.alive.Wait()
	return nil
}

func (self *Correlator) write(f *proto.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return errors.Trace(err)
	}
	self.wlk.Lock()
	defer self.wlk.Unlock()
	if err = self.port.Write(b); err != nil {
		return errors.Annotatef(err, "comm write frame=%s", f)
	}
	return nil
}

func (self *Correlator) expire(seq uint16, timeout time.Duration) {
	self.lk.Lock()
	p, ok := self.pending[seq]
	if ok {
		delete(self.pending, seq)
	}
	self.lk.Unlock()
	if ok {
		p.future.Cancel(errors.Timeoutf("request seq=%d timeout=%s", seq, timeout))
	}
}

func (self *Correlator) retire(seq uint16) *pendingRequest {
	self.lk.Lock()
	p, ok := self.pending[seq]
	if ok {
		delete(self.pending, seq)
	}
	self.lk.Unlock()
	if !ok {
		return nil
	}
	return p
}

func (self *Correlator) failAll(e error) {
	self.lk.Lock()
	all := make([]*pendingRequest, 0, len(self.pending))
	for seq, p := range self.pending {
		all = append(all, p)
		delete(self.pending, seq)
	}
	self.lk.Unlock()
	for _, p := range all {
		p.timer.Stop()
		p.future.Cancel(e)
	}
}

func (self *Correlator) readLoop() {
	defer self.alive.Done()
	buf := make([]byte, 4<<10)
	for self.alive.IsRunning() {
		n, err := self.port.ReadAvailable(buf)
		if err != nil {
			if !self.alive.IsRunning() {
				return
			}
			self.die(errors.Annotate(err, "comm read"))
			return
		}
		if n == 0 {
			continue
		}
		frames, ferr := self.dec.Feed(buf[:n])
		if ferr != nil {
			// recoverable: decoder has resynchronized already
			atomic.AddUint32(&self.stat.FrameErrors, 1)
			self.log.Errorf("comm framing: %v", ferr)
		}
		for i := range frames {
			self.route(&frames[i])
		}
	}
}

// route resolves the frame's token before the next frame is inspected,
// which gives callers reply resolution in arrival order. A pending
// token resolves only on a plausible reply type: the device telemetry
// counter can collide with an in-flight token, and such a frame is
// telemetry, not the reply.
func (self *Correlator) route(f *proto.Frame) {
	self.last.SetNow()
	self.lk.Lock()
	p, ok := self.pending[f.Seq]
	if ok && !proto.ReplyMatches(p.reqType, f.Type) {
		p = nil
	}
	if p != nil {
		delete(self.pending, f.Seq)
	}
	self.lk.Unlock()
	if p != nil {
		p.timer.Stop()
		if p.future.Complete(*f) {
			atomic.AddUint32(&self.stat.Replies, 1)
		} else {
			// request timed out a moment ago; resolution is at-most-once
			atomic.AddUint32(&self.stat.Late, 1)
			self.log.Debugf("comm late reply frame=%s", f)
		}
		return
	}

	switch f.Type {
	case proto.TagGeneralStatus, proto.TagLogText:
		atomic.AddUint32(&self.stat.Unsolicited, 1)
		self.sink.Unsolicited(*f)
	default:
		// solicited type with a retired token: duplicate reply, drop
		atomic.AddUint32(&self.stat.Late, 1)
		self.log.Debugf("comm discard retired frame=%s", f)
	}
}

func (self *Correlator) die(e error) {
	if prev, found := self.err.StoreOnce(e); found {
		self.log.Debugf("comm die repeat e=%v prev=%v", e, prev)
		return
	}
	self.log.Errorf("comm die e=%v", e)
	self.failAll(ErrDisconnected)
	if self.onFatal != nil {
		go self.onFatal(e)
	}
}
