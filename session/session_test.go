package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/session"
	"github.com/drivelink-io/drivelink/task"
	"github.com/drivelink-io/drivelink/transport"
)

// mockDevice scripts a well-behaved motor controller behind a MockPort.
type mockDevice struct {
	t   testing.TB
	m   *transport.MockPort
	dec proto.Decoder

	lk         sync.Mutex
	name       string
	protoMajor uint8
	protoMinor uint8
	uptime     time.Duration
	muted      bool
	commands   []byte // task ids received via TagCommand
}

func newMockDevice(t testing.TB) *mockDevice {
	d := &mockDevice{
		t:          t,
		m:          transport.NewMockPort(),
		name:       "io.drivelink.mc300",
		protoMajor: 1,
		protoMinor: 1,
		uptime:     time.Minute,
	}
	d.m.OnWrite = d.onWrite
	t.Cleanup(func() { _ = d.m.Close() })
	return d
}

func (d *mockDevice) onWrite(b []byte) {
	d.lk.Lock()
	defer d.lk.Unlock()
	frames, err := d.dec.Feed(b)
	require.NoError(d.t, err)
	for _, f := range frames {
		d.handle(f)
	}
}

func (d *mockDevice) handle(f proto.Frame) {
	if d.muted {
		return
	}
	switch f.Type {
	case proto.TagNodeInfo:
		ni := proto.NodeInfo{
			Name:          d.name,
			ProtocolMajor: d.protoMajor,
			ProtocolMinor: d.protoMinor,
			FirmwareMajor: 0, FirmwareMinor: 4,
			HardwareMajor: 2, HardwareMinor: 0,
			Mode:     proto.ModeNormal,
			UniqueID: 0xdead,
		}
		d.reply(proto.TagNodeInfo, f.Seq, ni.Encode())
	case proto.TagDeviceCharacteristics:
		dc := proto.DeviceCharacteristics{RatedCurrent: 35, RatedVoltage: 51, MaxRPM: 9000}
		d.reply(proto.TagDeviceCharacteristics, f.Seq, dc.Encode())
	case proto.TagGeneralStatus:
		d.uptime += 10 * time.Millisecond
		gs := proto.GeneralStatus{Timestamp: d.uptime, TaskID: proto.TaskIdle}
		d.reply(proto.TagGeneralStatus, f.Seq, gs.Encode())
	case proto.TagCommand:
		cmd, err := proto.DecodeCommand(f.Payload)
		require.NoError(d.t, err)
		d.commands = append(d.commands, cmd.TaskID)
		d.ack(f.Seq, proto.AckOK, 0)
	case proto.TagConfigWrite, proto.TagConfigCommit:
		d.ack(f.Seq, proto.AckOK, 0)
	case proto.TagConfigRead:
		req, err := proto.DecodeConfigEntry(f.Payload)
		require.NoError(d.t, err)
		entry := proto.ConfigEntry{Name: req.Name, Value: []byte{42}}
		d.reply(proto.TagConfigData, f.Seq, entry.Encode())
	case proto.TagTaskStatistics:
		stats := []proto.TaskStat{
			{TaskID: proto.TaskRun, StartedCount: 7, TotalRun: time.Hour},
		}
		d.reply(proto.TagTaskStatistics, f.Seq, proto.EncodeTaskStats(stats))
	default:
		d.ack(f.Seq, proto.AckRejected, 0x01)
	}
}

func (d *mockDevice) reply(typ byte, seq uint16, payload []byte) {
	f := proto.Frame{Type: typ, Seq: seq, Payload: payload}
	d.m.FeedRead(f.MustEncode())
}

func (d *mockDevice) ack(seq uint16, status, reason byte) {
	a := proto.Ack{Status: status, Reason: reason}
	d.reply(proto.TagAck, seq, a.Encode())
}

func (d *mockDevice) setUptime(u time.Duration) {
	d.lk.Lock()
	d.uptime = u
	d.lk.Unlock()
}

func (d *mockDevice) mute() {
	d.lk.Lock()
	d.muted = true
	d.lk.Unlock()
}

func (d *mockDevice) sentCommands() []byte {
	d.lk.Lock()
	defer d.lk.Unlock()
	return append([]byte(nil), d.commands...)
}

func testConfig() session.Config {
	c := session.Config{}
	c.RequestTimeoutMs = 50
	c.StatusPeriodMs = 20
	c.Task.StepTimeoutMs = 50
	c.Task.BackoffMinMs = 1
	c.Task.BackoffMaxMs = 5
	c.SetDefaults()
	return c
}

func connect(t testing.TB, d *mockDevice) *session.Session {
	s, err := session.ConnectPort(context.Background(), testConfig(), d.m,
		log2.NewTest(t, log2.LDebug), nil)
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s
}

func waitEvent(t testing.TB, s *session.Session, kind session.EventKind) session.Event {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("event kind=%d never arrived", kind)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	var stages []string
	s, err := session.ConnectPort(context.Background(), testConfig(), d.m,
		log2.NewTest(t, log2.LDebug), func(stage string) { stages = append(stages, stage) })
	require.NoError(t, err)
	defer s.Disconnect()

	assert.Equal(t, "io.drivelink.mc300", s.Info().Name)
	assert.Equal(t, float32(35), s.Characteristics().RatedCurrent)
	major, minor := s.Registry().Version()
	assert.Equal(t, uint8(1), major)
	assert.Equal(t, uint8(1), minor)
	assert.Contains(t, stages, "identifying device")
	assert.Equal(t, "connected", stages[len(stages)-1])
	waitEvent(t, s, session.EventConnected)
}

func TestConnectWrongDevice(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	d.name = "com.vendor.other"
	_, err := session.ConnectPort(context.Background(), testConfig(), d.m,
		log2.NewTest(t, log2.LDebug), nil)
	require.Error(t, err)
}

func TestConnectUnsupportedProtocol(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	d.protoMajor = 2
	_, err := session.ConnectPort(context.Background(), testConfig(), d.m,
		log2.NewTest(t, log2.LDebug), nil)
	require.Error(t, err)
}

func TestMalformedBytesDoNotDisconnect(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	// line noise and a truncated frame, then normal operation
	d.m.FeedRead([]byte{0x55, 0xaa, proto.SOF, 0x00})
	time.Sleep(100 * time.Millisecond)
	select {
	case <-s.Closed():
		t.Fatal("malformed bytes tore down the session")
	default:
	}
	require.NoError(t, s.Beep(context.Background()))
}

func TestExplicitDisconnect(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	s.Disconnect()
	s.Disconnect() // second call is a no-op
	e := waitEvent(t, s, session.EventDisconnected)
	assert.NoError(t, e.Err)
	<-s.Closed()
}

func TestDeviceRestartTearsDown(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	d.setUptime(time.Millisecond) // device rebooted, clock started over
	e := waitEvent(t, s, session.EventDisconnected)
	assert.Error(t, e.Err)
	<-s.Closed()
}

func TestStatusSilenceTearsDown(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	d.mute()
	e := waitEvent(t, s, session.EventDisconnected)
	require.Error(t, e.Err)
	assert.True(t, transport.IsDeviceLost(e.Err))
	<-s.Closed()
}

func TestDeviceLostTearsDown(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	d.m.SetLost()
	e := waitEvent(t, s, session.EventDisconnected)
	assert.Error(t, e.Err)
	<-s.Closed()
}

func TestOneShotCommands(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	require.NoError(t, s.Beep(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Emergency())

	deadline := time.Now().Add(time.Second)
	for len(d.sentCommands()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cmds := d.sentCommands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []byte{proto.TaskBeep, proto.TaskIdle, proto.TaskIdle}, cmds)
}

func TestTaskStatisticsAndConfigRead(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	stats, err := s.TaskStatistics(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, proto.TaskRun, stats[0].TaskID)
	assert.Equal(t, uint32(7), stats[0].StartedCount)
	assert.Equal(t, time.Hour, stats[0].TotalRun)

	entry, err := s.ReadConfigEntry(context.Background(), "motor.poles")
	require.NoError(t, err)
	assert.Equal(t, "motor.poles", entry.Name)
	assert.Equal(t, []byte{42}, entry.Value)
}

func TestSubmitTaskThroughSession(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)

	tsk, err := s.SubmitTask(task.KindConfigCommit, task.Params{
		Entries: []proto.ConfigEntry{{Name: "motor.poles", Value: []byte{14}}},
	})
	require.NoError(t, err)
	require.NoError(t, tsk.Wait(context.Background()))
	state, _ := tsk.State()
	assert.Equal(t, task.StateSucceeded, state)

	e := waitEvent(t, s, session.EventTask)
	assert.Equal(t, task.KindConfigCommit, e.Task.Kind)
}

func TestUnsolicitedTelemetryAndLog(t *testing.T) {
	t.Parallel()

	d := newMockDevice(t)
	s := connect(t, d)
	sub := s.Telemetry().Subscribe(8)
	defer sub.Close()

	gs := proto.GeneralStatus{Timestamp: 2 * time.Minute, TaskID: proto.TaskRun}
	f := proto.Frame{Type: proto.TagGeneralStatus, Seq: 60000, Payload: gs.Encode()}
	d.m.FeedRead(f.MustEncode())
	lf := proto.Frame{Type: proto.TagLogText, Seq: 60001, Payload: []byte("vsi armed\n")}
	d.m.FeedRead(lf.MustEncode())

	select {
	case sample := <-sub.C():
		assert.Equal(t, proto.TaskRun, sample.Status.TaskID)
	case <-time.After(time.Second):
		t.Fatal("telemetry sample not delivered")
	}
	e := waitEvent(t, s, session.EventLogLine)
	assert.Equal(t, "vsi armed\n", e.Line)
}
