package comm_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelink-io/drivelink/comm"
	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/transport"
)

type chanSink struct{ ch chan proto.Frame }

func newChanSink() *chanSink { return &chanSink{ch: make(chan proto.Frame, 16)} }

func (s *chanSink) Unsolicited(f proto.Frame) { s.ch <- f }

// scriptDevice decodes host frames and lets the test reply per frame.
func scriptDevice(t testing.TB, m *transport.MockPort, reply func(proto.Frame) *proto.Frame) {
	dec := new(proto.Decoder)
	m.OnWrite = func(b []byte) {
		frames, err := dec.Feed(b)
		require.NoError(t, err)
		for _, f := range frames {
			if r := reply(f); r != nil {
				r.Seq = f.Seq
				m.FeedRead(r.MustEncode())
			}
		}
	}
}

func testCorrelator(t testing.TB, m *transport.MockPort, sink comm.Sink, onFatal comm.FatalFunc) *comm.Correlator {
	c := comm.NewCorrelator(m, sink, onFatal, log2.NewTest(t, log2.LDebug))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequestReply(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	scriptDevice(t, m, func(f proto.Frame) *proto.Frame {
		assert.Equal(t, byte(proto.TagCommand), f.Type)
		return &proto.Frame{Type: proto.TagAck, Payload: []byte{proto.AckOK, 0}}
	})
	c := testCorrelator(t, m, newChanSink(), nil)

	reply, err := c.Request(context.Background(), proto.TagCommand, []byte{proto.TaskBeep}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(proto.TagAck), reply.Type)
	assert.Equal(t, []byte{proto.AckOK, 0}, reply.Payload)
	assert.Equal(t, uint32(1), c.Stat().Replies)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	c := testCorrelator(t, m, newChanSink(), nil)

	const timeout = 30 * time.Millisecond
	begin := time.Now()
	_, err := c.Request(context.Background(), proto.TagCommand, nil, timeout)
	elapsed := time.Since(begin)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "expected timeout, got %v", err)
	assert.True(t, elapsed >= timeout, "resolved early: %s", elapsed)
}

func TestConcurrentRequests(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	scriptDevice(t, m, func(f proto.Frame) *proto.Frame {
		// echo the request payload back in the ack reason slot
		return &proto.Frame{Type: proto.TagAck, Payload: []byte{proto.AckOK, f.Payload[0]}}
	})
	c := testCorrelator(t, m, newChanSink(), nil)

	results := make(chan byte, 8)
	for i := byte(0); i < 8; i++ {
		go func(i byte) {
			reply, err := c.Request(context.Background(), proto.TagCommand, []byte{i}, time.Second)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, i, reply.Payload[1], "reply crossed to another request")
			}
			results <- i
		}(i)
	}
	for i := 0; i < 8; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("request stuck")
		}
	}
}

func TestDuplicateReplyDiscarded(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	scriptDevice(t, m, func(f proto.Frame) *proto.Frame {
		// device misbehaves and replies twice
		r := proto.Frame{Type: proto.TagAck, Seq: f.Seq, Payload: []byte{proto.AckOK, 0}}
		m.FeedRead(r.MustEncode())
		return &r
	})
	c := testCorrelator(t, m, newChanSink(), nil)

	_, err := c.Request(context.Background(), proto.TagCommand, nil, time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for c.Stat().Late == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := c.Stat()
	assert.Equal(t, uint32(1), st.Replies)
	assert.Equal(t, uint32(1), st.Late)
}

func TestUnsolicitedRouting(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	sink := newChanSink()
	c := testCorrelator(t, m, sink, nil)
	_ = c

	gs := proto.GeneralStatus{Timestamp: time.Second, TaskID: proto.TaskIdle}
	f := proto.Frame{Type: proto.TagGeneralStatus, Seq: 7, Payload: gs.Encode()}
	m.FeedRead(f.MustEncode())

	select {
	case got := <-sink.ch:
		assert.Equal(t, byte(proto.TagGeneralStatus), got.Type)
		assert.Equal(t, uint16(7), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("telemetry frame not routed")
	}
}

func TestGarbageBetweenFrames(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	sink := newChanSink()
	c := testCorrelator(t, m, sink, nil)

	m.FeedRead([]byte{0x00, 0xff, 0x13, 0x37}) // line noise
	f := proto.Frame{Type: proto.TagLogText, Seq: 1, Payload: []byte("boot ok")}
	m.FeedRead(f.MustEncode())

	select {
	case got := <-sink.ch:
		assert.Equal(t, []byte("boot ok"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("frame after garbage not decoded")
	}
	assert.Equal(t, uint32(0), c.Stat().FrameErrors, "scanning noise is not a framing error")
}

func TestTelemetryTokenCollisionStaysTelemetry(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	sink := newChanSink()
	c := testCorrelator(t, m, sink, nil)

	p, err := c.Submit(proto.TagCommand, nil, 5*time.Second)
	require.NoError(t, err)

	// device telemetry counter happens to land on the in-flight token
	gs := proto.GeneralStatus{Timestamp: time.Second, TaskID: proto.TaskRun}
	tf := proto.Frame{Type: proto.TagGeneralStatus, Seq: p.Seq, Payload: gs.Encode()}
	m.FeedRead(tf.MustEncode())

	select {
	case got := <-sink.ch:
		assert.Equal(t, byte(proto.TagGeneralStatus), got.Type)
		assert.Equal(t, p.Seq, got.Seq)
	case <-time.After(time.Second):
		t.Fatal("colliding telemetry frame not routed to sink")
	}

	// the request is still pending and resolves on the real ack
	rf := proto.Frame{Type: proto.TagAck, Seq: p.Seq, Payload: []byte{proto.AckOK, 0}}
	m.FeedRead(rf.MustEncode())
	reply, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(proto.TagAck), reply.Type)
}

func TestSendNeverReusesInFlightToken(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	dec := new(proto.Decoder)
	seqSeen := make(map[uint16]int, 1<<16)
	m.OnWrite = func(b []byte) {
		frames, err := dec.Feed(b)
		require.NoError(t, err)
		for _, f := range frames {
			seqSeen[f.Seq]++
		}
	}
	c := testCorrelator(t, m, newChanSink(), nil)

	p, err := c.Submit(proto.TagCommand, nil, time.Minute)
	require.NoError(t, err)

	// wrap the whole token space with fire-and-forget frames
	for i := 0; i < 1<<16; i++ {
		require.NoError(t, c.Send(proto.TagCommand, nil))
	}
	assert.Equal(t, 1, seqSeen[p.Seq], "in-flight token reused by Send")
}

func TestWaitContextDeadline(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	c := testCorrelator(t, m, newChanSink(), nil)

	p, err := c.Submit(proto.TagCommand, nil, 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = p.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestDeviceLostFailsPending(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	fatal := make(chan error, 1)
	c := testCorrelator(t, m, newChanSink(), func(e error) { fatal <- e })

	p, err := c.Submit(proto.TagCommand, nil, 5*time.Second)
	require.NoError(t, err)

	m.SetLost()

	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, comm.ErrDisconnected, errors.Cause(err))

	select {
	case e := <-fatal:
		assert.True(t, transport.IsDeviceLost(e), "onFatal got %v", e)
	case <-time.After(time.Second):
		t.Fatal("onFatal not called")
	}

	// link is dead, new requests refused immediately
	_, err = c.Submit(proto.TagCommand, nil, time.Second)
	assert.Error(t, err)
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()
	c := testCorrelator(t, m, newChanSink(), nil)

	p, err := c.Submit(proto.TagCommand, nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = p.Wait(context.Background())
	assert.Equal(t, comm.ErrDisconnected, errors.Cause(err))
	require.NoError(t, c.Close()) // idempotent
}
