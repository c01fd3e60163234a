package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelink-io/drivelink/transport"
)

func TestMockReadWrite(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()

	var written []byte
	m.OnWrite = func(b []byte) { written = append(written, b...) }

	require.NoError(t, m.Write([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, written)

	m.FeedRead([]byte{4, 5, 6})
	buf := make([]byte, 2)
	n, err := m.ReadAvailable(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{4, 5}, buf[:n])
	// remainder survives across calls
	n, err = m.ReadAvailable(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(6), buf[0])
}

func TestMockReadTimeout(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()

	buf := make([]byte, 8)
	n, err := m.ReadAvailable(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMockDeviceLost(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	defer m.Close()

	m.SetLost()
	_, err := m.ReadAvailable(make([]byte, 1))
	assert.True(t, transport.IsDeviceLost(err))
}

func TestMockClose(t *testing.T) {
	t.Parallel()

	m := transport.NewMockPort()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err := m.ReadAvailable(make([]byte, 1))
	assert.Equal(t, transport.ErrClosed, err)
	assert.Error(t, m.Write([]byte{1}))
}
