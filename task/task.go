// Package task runs multi-step device operations as small state
// machines built from three primitives: send-and-await-reply,
// await-telemetry-condition and delay.
//
// Transient step failures (reply timeout, device busy) are retried a
// bounded number of times with backoff; an explicit device rejection is
// terminal. Cancellation is cooperative: it is observed at step
// boundaries, a reply already in flight resolves normally and its
// result is discarded.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/telemetry"
)

type State uint8

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) Terminal() bool { return s >= StateSucceeded }

type Kind uint8

const (
	KindConfigCommit Kind = iota
	KindSelfTest
	KindMotorIdent
	KindFirmwareUpload
)

func (k Kind) String() string {
	switch k {
	case KindConfigCommit:
		return "config-commit"
	case KindSelfTest:
		return "self-test"
	case KindMotorIdent:
		return "motor-ident"
	case KindFirmwareUpload:
		return "firmware-upload"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Params carries kind-specific input; unrelated fields are ignored.
type Params struct {
	Entries []proto.ConfigEntry // KindConfigCommit
	Image   []byte              // KindFirmwareUpload
}

type Config struct {
	StepTimeout  time.Duration
	TeleDeadline time.Duration
	RetryMax     int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	ChunkSize    int
}

func (c *Config) SetDefaults() {
	if c.StepTimeout == 0 {
		c.StepTimeout = 500 * time.Millisecond
	}
	if c.TeleDeadline == 0 {
		c.TeleDeadline = 30 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 50 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 256
	}
}

// Requester is the solicited side of the link; satisfied by comm.Correlator.
type Requester interface {
	Request(ctx context.Context, typ byte, payload []byte, timeout time.Duration) (proto.Frame, error)
}

// DeviceError is an explicit rejection from the device. Not retryable.
type DeviceError struct {
	Reason byte
}

func (e *DeviceError) Error() string { return fmt.Sprintf("device rejected command reason=%02x", e.Reason) }

func IsDeviceReported(e error) bool {
	_, ok := errors.Cause(e).(*DeviceError)
	return ok
}

var (
	ErrCancelled = fmt.Errorf("task cancelled")
	ErrClosed    = fmt.Errorf("orchestrator closed")

	errBusy = fmt.Errorf("device busy")
)

// Event is one observable task transition or progress tick.
type Event struct {
	Err      error
	Sub      string
	Progress float32
	Kind     Kind
	State    State
}

func (e *Event) String() string {
	s := fmt.Sprintf("(task=%s state=%s", e.Kind, e.State)
	if e.Sub != "" {
		s += " sub=" + e.Sub
	}
	if e.Progress > 0 {
		s += fmt.Sprintf(" progress=%.2f", e.Progress)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s + ")"
}

type Orchestrator struct {
	alive  *alive.Alive
	conf   Config
	req    Requester
	stream *telemetry.Stream
	log    *log2.Log

	lk     sync.Mutex
	active map[*Task]struct{}
}

func NewOrchestrator(conf Config, req Requester, stream *telemetry.Stream, log *log2.Log) *Orchestrator {
	conf.SetDefaults()
	return &Orchestrator{
		alive:  alive.NewAlive(),
		conf:   conf,
		req:    req,
		stream: stream,
		log:    log,
		active: make(map[*Task]struct{}, 4),
	}
}

// Start validates params and launches the task goroutine. At most one
// task per kind runs at a time; the device cannot execute two anyway.
func (self *Orchestrator) Start(kind Kind, params Params) (*Task, error) {
	switch kind {
	case KindConfigCommit:
		if len(params.Entries) == 0 {
			return nil, errors.NotValidf("config commit without entries")
		}
	case KindFirmwareUpload:
		if len(params.Image) == 0 {
			return nil, errors.NotValidf("firmware upload without image")
		}
	case KindSelfTest, KindMotorIdent:
	default:
		return nil, errors.NotValidf("task kind=%d", kind)
	}

	t := &Task{
		o:        self,
		kind:     kind,
		params:   params,
		state:    StatePending,
		events:   make(chan Event, 64),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}

	self.lk.Lock()
	if !self.alive.IsRunning() {
		self.lk.Unlock()
		return nil, ErrClosed
	}
	for other := range self.active {
		if other.kind == kind {
			self.lk.Unlock()
			return nil, errors.Errorf("task %s already running", kind)
		}
	}
	self.active[t] = struct{}{}
	self.alive.Add(1)
	self.lk.Unlock()

	go t.run()
	return t, nil
}

// CancelAll requests cooperative cancellation of every active task.
func (self *Orchestrator) CancelAll() {
	self.lk.Lock()
	all := make([]*Task, 0, len(self.active))
	for t := range self.active {
		all = append(all, t)
	}
	self.lk.Unlock()
	for _, t := range all {
		t.Cancel()
	}
}

// Close cancels everything and waits for task goroutines to settle.
func (self *Orchestrator) Close() {
	self.alive.Stop()
	self.CancelAll()
	self.alive.Wait()
}

func (self *Orchestrator) remove(t *Task) {
	self.lk.Lock()
	delete(self.active, t)
	self.lk.Unlock()
	self.alive.Done()
}

type Task struct {
	o      *Orchestrator
	kind   Kind
	params Params

	events   chan Event
	cancelCh chan struct{}
	cancel   sync.Once
	done     chan struct{}

	lk    sync.Mutex
	state State
	sub   string
	err   error
}

func (t *Task) Kind() Kind { return t.kind }

// Events is the lazy sequence of state transitions and progress ticks.
// Slow consumers lose the oldest buffered events, never the newest.
func (t *Task) Events() <-chan Event { return t.events }

func (t *Task) Done() <-chan struct{} { return t.done }

// State returns the current state and the kind-specific sub-state name.
func (t *Task) State() (State, string) {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.state, t.sub
}

// Err is meaningful after Done; nil means Succeeded.
func (t *Task) Err() error {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.err
}

// Cancel is cooperative and idempotent; the task settles into
// Cancelled at the next step boundary.
func (t *Task) Cancel() {
	t.cancel.Do(func() { close(t.cancelCh) })
}

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) run() {
	defer close(t.done)
	defer t.o.remove(t)

	t.transition(StateRunning, "")
	err := t.steps()

	switch {
	case errors.Cause(err) == ErrCancelled, err == nil && t.cancelled():
		t.settle(StateCancelled, ErrCancelled)
	case err != nil:
		t.settle(StateFailed, err)
	default:
		t.settle(StateSucceeded, nil)
	}
	// terminal event is emitted; consumers ranging over Events finish
	close(t.events)
}

func (t *Task) settle(s State, err error) {
	t.lk.Lock()
	t.state = s
	t.err = err
	t.lk.Unlock()
	t.o.log.Infof("task %s %s err=%v", t.kind, s, err)
	t.emit(Event{Kind: t.kind, State: s, Err: err})
}

func (t *Task) transition(s State, sub string) {
	t.lk.Lock()
	t.state = s
	t.sub = sub
	t.lk.Unlock()
	t.o.log.Debugf("task %s -> %s/%s", t.kind, s, sub)
	t.emit(Event{Kind: t.kind, State: s, Sub: sub})
}

func (t *Task) progress(sub string, p float32) {
	t.emit(Event{Kind: t.kind, State: StateRunning, Sub: sub, Progress: p})
}

// emit never blocks; overflow evicts the oldest buffered event.
func (t *Task) emit(e Event) {
	for {
		select {
		case t.events <- e:
			return
		default:
		}
		select {
		case <-t.events:
		default:
		}
	}
}

func (t *Task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) checkCancel() error {
	if t.cancelled() {
		return ErrCancelled
	}
	return nil
}

// requestAckOnce performs one send-and-await-reply attempt and
// classifies the ack.
func (t *Task) requestAckOnce(typ byte, payload []byte) error {
	f, err := t.o.req.Request(context.Background(), typ, payload, t.o.conf.StepTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if f.Type != proto.TagAck {
		return errors.NotValidf("expected ack, got frame=%s", &f)
	}
	ack, err := proto.DecodeAck(f.Payload)
	if err != nil {
		return errors.Trace(err)
	}
	switch ack.Status {
	case proto.AckOK:
		return nil
	case proto.AckBusy:
		return errBusy
	case proto.AckRejected:
		return &DeviceError{Reason: ack.Reason}
	}
	return errors.NotValidf("ack status=%02x", ack.Status)
}

func transient(e error) bool {
	cause := errors.Cause(e)
	return errors.IsTimeout(e) || cause == errBusy
}

// requestAck retries transient failures with bounded backoff; device
// rejection and link loss cut through immediately.
func (t *Task) requestAck(typ byte, payload []byte) error {
	bo := &backoff.Backoff{
		Min:    t.o.conf.BackoffMin,
		Max:    t.o.conf.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		if err := t.checkCancel(); err != nil {
			return err
		}
		err := t.requestAckOnce(typ, payload)
		switch {
		case err == nil:
			return nil
		case !transient(err):
			return err
		case attempt > t.o.conf.RetryMax:
			return errors.Annotatef(err, "gave up after %d attempts", attempt)
		}
		d := bo.Duration()
		t.o.log.Debugf("task %s retry attempt=%d delay=%s err=%v", t.kind, attempt, d, err)
		if err := t.delay(d); err != nil {
			return err
		}
	}
}

// awaitStatus waits for a telemetry condition. Cancellation interrupts
// this wait immediately; no device-side effect is pending here.
func (t *Task) awaitStatus(sub string, pred func(proto.GeneralStatus) bool) (proto.GeneralStatus, error) {
	s := t.o.stream.Subscribe(0)
	defer s.Close()
	timer := time.NewTimer(t.o.conf.TeleDeadline)
	defer timer.Stop()
	for {
		select {
		case sample := <-s.C():
			t.progress(sub, sample.Status.Progress)
			if pred(sample.Status) {
				return sample.Status, nil
			}
		case <-t.cancelCh:
			return proto.GeneralStatus{}, ErrCancelled
		case <-timer.C:
			return proto.GeneralStatus{}, errors.Timeoutf("telemetry condition in %s deadline=%s", sub, t.o.conf.TeleDeadline)
		}
	}
}

func (t *Task) delay(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.cancelCh:
		return ErrCancelled
	}
}
