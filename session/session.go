// Package session is the facade the GUI collaborator talks to: connect
// handshake, task submission, telemetry access, one-shot commands and
// the single teardown path.
//
// Teardown runs exactly once per session, whether triggered by explicit
// Disconnect, device loss on the wire, or a device restart detected by
// the status monitor. It fails every pending request, cancels every
// task, closes the telemetry stream and releases the port.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/drivelink-io/drivelink/comm"
	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/task"
	"github.com/drivelink-io/drivelink/tele"
	"github.com/drivelink-io/drivelink/telemetry"
	"github.com/drivelink-io/drivelink/transport"
)

const connectAttempts = 3
const statusMissLimit = 3

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLogLine
	EventTask
)

// Event is one item on the GUI queue. The queue is lossy for log lines
// and task progress; Connected/Disconnected always arrive because the
// queue is drained between them.
type Event struct {
	Err  error
	Line string
	Task task.Event
	Kind EventKind
}

// ProgressFunc reports human-readable connect stages.
type ProgressFunc func(stage string)

type Session struct {
	conf   Config
	log    *log2.Log
	alive  *alive.Alive
	port   transport.Porter
	comm   *comm.Correlator
	stream *telemetry.Stream
	tasks  *task.Orchestrator
	tele   tele.Teler

	reg   *proto.Registry
	info  proto.NodeInfo
	chars proto.DeviceCharacteristics

	events   chan Event
	teardown sync.Once
	closed   chan struct{}
}

// Connect opens the configured serial port and performs the handshake.
func Connect(ctx context.Context, conf Config, log *log2.Log, report ProgressFunc) (*Session, error) {
	conf.SetDefaults()
	port, err := transport.OpenSerial(conf.Port.Name, conf.Port.Baud, conf.ReadTimeout())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ConnectPort(ctx, conf, port, log, report)
}

// ConnectPort performs the handshake over an already open port:
// identify the device, pin the protocol version, read characteristics
// and the first status sample. On any failure the port is closed.
func ConnectPort(ctx context.Context, conf Config, port transport.Porter, log *log2.Log, report ProgressFunc) (*Session, error) {
	conf.SetDefaults()
	if report == nil {
		report = func(string) {}
	}

	self := &Session{
		conf:   conf,
		log:    log,
		alive:  alive.NewAlive(),
		port:   port,
		stream: telemetry.NewStream(log),
		events: make(chan Event, conf.EventQueueSize),
		closed: make(chan struct{}),
	}
	self.comm = comm.NewCorrelator(port, self.stream, self.onFatal, log)

	ok := false
	defer func() {
		if !ok {
			_ = self.comm.Close()
			self.stream.Close()
			_ = port.Close()
		}
	}()

	report("identifying device")
	infoFrame, err := self.handshakeRequest(ctx, proto.TagNodeInfo, nil)
	if err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	if self.info, err = proto.DecodeNodeInfo(infoFrame.Payload); err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	self.log.Infof("session device %s", &self.info)
	if !strings.HasPrefix(self.info.Name, conf.DeviceNamePrefix) {
		return nil, errors.NotValidf("device name=%s, expected prefix=%s", self.info.Name, conf.DeviceNamePrefix)
	}

	report("pinning protocol version")
	if self.reg, err = proto.NewRegistry(self.info.ProtocolMajor, self.info.ProtocolMinor); err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	self.stream.SetRegistry(self.reg)

	var initial proto.GeneralStatus
	if self.info.Mode == proto.ModeNormal {
		report("reading device characteristics")
		charFrame, err := self.handshakeRequest(ctx, proto.TagDeviceCharacteristics, nil)
		if err != nil {
			return nil, errors.Annotate(err, "connect")
		}
		if self.chars, err = proto.DecodeDeviceCharacteristics(charFrame.Payload); err != nil {
			return nil, errors.Annotate(err, "connect")
		}

		report("reading status")
		statusFrame, err := self.handshakeRequest(ctx, proto.TagGeneralStatus, nil)
		if err != nil {
			return nil, errors.Annotate(err, "connect")
		}
		if initial, err = self.reg.DecodeStatus(statusFrame.Payload); err != nil {
			return nil, errors.Annotate(err, "connect")
		}
	}

	if self.tele, err = tele.New(conf.Tele, log); err != nil {
		return nil, errors.Annotate(err, "connect")
	}

	self.tasks = task.NewOrchestrator(conf.TaskConfig(), self.comm, self.stream, log)
	self.stream.OnText(func(line string) {
		self.emit(Event{Kind: EventLogLine, Line: line})
	})

	if self.info.Mode == proto.ModeNormal {
		// a bootloader only answers flash traffic, do not poll it
		self.alive.Add(1)
		go self.monitor(initial.Timestamp)
	}
	if conf.Tele.Enable {
		self.alive.Add(1)
		go self.mirror()
	}

	ok = true
	self.tele.State(true, self.info.Name)
	self.emit(Event{Kind: EventConnected})
	report("connected")
	return self, nil
}

// handshakeRequest retries timeouts a few times; a fresh device may
// still be settling on the bus.
func (self *Session) handshakeRequest(ctx context.Context, typ byte, payload []byte) (proto.Frame, error) {
	var f proto.Frame
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		f, err = self.comm.Request(ctx, typ, payload, self.conf.RequestTimeout())
		if err == nil || !errors.IsTimeout(err) {
			return f, err
		}
		self.log.Debugf("session handshake type=%02x attempt=%d err=%v", typ, attempt, err)
	}
	return f, err
}

func (self *Session) Info() proto.NodeInfo { return self.info }

func (self *Session) Characteristics() proto.DeviceCharacteristics { return self.chars }

func (self *Session) Registry() *proto.Registry { return self.reg }

// Telemetry exposes the stream for GUI subscriptions.
func (self *Session) Telemetry() *telemetry.Stream { return self.stream }

// Events is the GUI queue; drain it on the presentation loop.
func (self *Session) Events() <-chan Event { return self.events }

// Closed is closed after teardown completes.
func (self *Session) Closed() <-chan struct{} { return self.closed }

// SubmitTask starts a task and forwards its events onto the GUI queue
// and the tele mirror. The returned handle is still good for Wait,
// State and Cancel.
func (self *Session) SubmitTask(kind task.Kind, params task.Params) (*task.Task, error) {
	t, err := self.tasks.Start(kind, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	go func() {
		for e := range t.Events() {
			self.emit(Event{Kind: EventTask, Task: e})
			self.tele.Task(e)
		}
	}()
	return t, nil
}

// Stop commands the device back to idle and waits for the ack.
func (self *Session) Stop(ctx context.Context) error {
	return self.command(ctx, proto.TaskIdle, nil)
}

// Beep is the classic find-my-device command.
func (self *Session) Beep(ctx context.Context) error {
	return self.command(ctx, proto.TaskBeep, nil)
}

// Emergency fires a stop without waiting for any reply. Best effort by
// design: when the operator hits this, the bus may already be in a bad
// state.
func (self *Session) Emergency() error {
	cmd := proto.Command{TaskID: proto.TaskIdle}
	return self.comm.Send(proto.TagCommand, cmd.Encode())
}

func (self *Session) command(ctx context.Context, taskID byte, data []byte) error {
	cmd := proto.Command{TaskID: taskID, Data: data}
	f, err := self.comm.Request(ctx, proto.TagCommand, cmd.Encode(), self.conf.RequestTimeout())
	if err != nil {
		return errors.Trace(err)
	}
	return ackError(f)
}

// TaskStatistics requests the device-side task counters table.
func (self *Session) TaskStatistics(ctx context.Context) ([]proto.TaskStat, error) {
	f, err := self.comm.Request(ctx, proto.TagTaskStatistics, nil, self.conf.RequestTimeout())
	if err != nil {
		return nil, errors.Trace(err)
	}
	if f.Type != proto.TagTaskStatistics {
		return nil, errors.NotValidf("expected task statistics, got frame=%s", &f)
	}
	return proto.DecodeTaskStats(f.Payload)
}

// ReadConfigEntry reads one named register.
func (self *Session) ReadConfigEntry(ctx context.Context, name string) (proto.ConfigEntry, error) {
	req := proto.ConfigEntry{Name: name}
	f, err := self.comm.Request(ctx, proto.TagConfigRead, req.Encode(), self.conf.RequestTimeout())
	if err != nil {
		return proto.ConfigEntry{}, errors.Trace(err)
	}
	switch f.Type {
	case proto.TagConfigData:
		return proto.DecodeConfigEntry(f.Payload)
	case proto.TagAck:
		return proto.ConfigEntry{}, ackError(f)
	}
	return proto.ConfigEntry{}, errors.NotValidf("expected config data, got frame=%s", &f)
}

func ackError(f proto.Frame) error {
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
		return errors.Errorf("device busy")
	default:
		return &task.DeviceError{Reason: ack.Reason}
	}
}

// Disconnect is the clean half of the single teardown path.
func (self *Session) Disconnect() { self.teardownWith(nil) }

func (self *Session) onFatal(e error) { self.teardownWith(e) }

func (self *Session) teardownWith(cause error) {
	self.teardown.Do(func() {
		self.log.Infof("session teardown cause=%v", cause)
		self.alive.Stop()
		_ = self.comm.Close()
		// nil checks: device loss can race an unfinished handshake
		if self.tasks != nil {
			self.tasks.Close()
		}
		self.stream.Close()
		_ = self.port.Close()
		self.alive.Wait()
		if self.tele != nil {
			self.tele.State(false, self.info.Name)
			self.tele.Close()
		}
		self.emit(Event{Kind: EventDisconnected, Err: cause})
		close(self.closed)
	})
}

// monitor polls status and detects device restarts: the device clock
// only moves backwards after a reboot, which invalidates the pinned
// schema and every assumption about device state.
func (self *Session) monitor(lastUptime time.Duration) {
	defer self.alive.Done()
	tick := time.NewTicker(self.conf.StatusPeriod())
	defer tick.Stop()
	misses := 0
	for {
		select {
		case <-self.alive.StopChan():
			return
		case <-tick.C:
		}

		f, err := self.comm.Request(context.Background(), proto.TagGeneralStatus, nil, self.conf.RequestTimeout())
		switch {
		case err == nil:
			misses = 0
		case errors.IsTimeout(err):
			misses++
			self.log.Debugf("session status miss %d/%d", misses, statusMissLimit)
			if misses >= statusMissLimit {
				go self.teardownWith(errors.Annotatef(transport.ErrDeviceLost, "%d status polls unanswered", misses))
				return
			}
			continue
		default:
			// link already dying, teardown happens elsewhere
			return
		}

		gs, err := self.reg.DecodeStatus(f.Payload)
		if err != nil {
			self.log.Errorf("session status decode err=%v", err)
			continue
		}
		if gs.Timestamp < lastUptime {
			go self.teardownWith(errors.Errorf("device restarted: uptime %s < %s", gs.Timestamp, lastUptime))
			return
		}
		lastUptime = gs.Timestamp
	}
}

// mirror forwards telemetry samples to the tele backend.
func (self *Session) mirror() {
	defer self.alive.Done()
	sub := self.stream.Subscribe(0)
	defer sub.Close()
	for {
		select {
		case <-self.alive.StopChan():
			return
		case sample := <-sub.C():
			self.tele.Status(sample)
		}
	}
}

// emit never blocks the caller; the GUI drains on its own schedule and
// a stalled GUI loses oldest events first.
func (self *Session) emit(e Event) {
	for {
		select {
		case self.events <- e:
			return
		default:
		}
		select {
		case <-self.events:
		default:
		}
	}
}
