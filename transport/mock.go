package transport

import (
	"sync"
	"time"
)

// MockPort is an in-memory Porter for tests: the "device" side feeds
// bytes with FeedRead and observes host writes through OnWrite.
// Loosely modelled after a loopback serial channel.
type MockPort struct {
	// OnWrite, when set, receives a copy of every successful host write.
	OnWrite func([]byte)

	lk      sync.Mutex
	pending []byte
	readCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
	lost    bool
}

var _ Porter = &MockPort{}

func NewMockPort() *MockPort {
	return &MockPort{
		readCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (self *MockPort) String() string { return "mock://" }

// FeedRead makes bytes available to the host reader.
func (self *MockPort) FeedRead(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case self.readCh <- cp:
	case <-self.closeCh:
	}
}

// SetLost makes every following read fail with ErrDeviceLost,
// simulating physical removal of the device.
func (self *MockPort) SetLost() {
	self.lk.Lock()
	self.lost = true
	self.lk.Unlock()
}

func (self *MockPort) ReadAvailable(p []byte) (int, error) {
	self.lk.Lock()
	if self.lost {
		self.lk.Unlock()
		return 0, ErrDeviceLost
	}
	if len(self.pending) > 0 {
		n := copy(p, self.pending)
		self.pending = self.pending[n:]
		self.lk.Unlock()
		return n, nil
	}
	self.lk.Unlock()

	select {
	case b := <-self.readCh:
		n := copy(p, b)
		if n < len(b) {
			self.lk.Lock()
			self.pending = append(self.pending, b[n:]...)
			self.lk.Unlock()
		}
		return n, nil
	case <-self.closeCh:
		return 0, ErrClosed
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (self *MockPort) Write(p []byte) error {
	select {
	case <-self.closeCh:
		return ErrClosed
	default:
	}
	self.lk.Lock()
	lost := self.lost
	onWrite := self.OnWrite
	self.lk.Unlock()
	if lost {
		return ErrWrite
	}
	if onWrite != nil {
		cp := make([]byte, len(p))
		copy(cp, p)
		onWrite(cp)
	}
	return nil
}

func (self *MockPort) Close() error {
	self.once.Do(func() { close(self.closeCh) })
	return nil
}
