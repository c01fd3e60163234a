// Package transport owns the physical serial link. It exposes a small
// Porter interface so the upper layers and tests never touch the OS
// resource directly. Exactly one reader loop and one serialized writer
// are allowed per port.
package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/tarm/serial"
)

var (
	// ErrDeviceLost means the device disappeared from the bus: fatal to
	// the session, distinct from a read timeout which just means no data.
	ErrDeviceLost = fmt.Errorf("device lost")
	// ErrWrite is fatal to the in-flight request; the task layer decides
	// whether the operation is idempotent enough to retry.
	ErrWrite  = fmt.Errorf("write failed")
	ErrClosed = fmt.Errorf("port closed")
)

func IsDeviceLost(e error) bool { return errors.Cause(e) == ErrDeviceLost }

type Porter interface {
	// ReadAvailable blocks at most the configured read timeout and
	// returns n=0 with nil error when no data arrived.
	ReadAvailable(p []byte) (int, error)
	Write(p []byte) error
	Close() error
	String() string
}

const DefaultReadTimeout = 50 * time.Millisecond

type serialPort struct {
	lk     sync.Mutex
	p      *serial.Port
	name   string
	closed bool
}

// OpenSerial opens a serial port. The read timeout bounds how long the
// reader loop sleeps between polls; it is not a protocol deadline.
func OpenSerial(name string, baud int, readTimeout time.Duration) (Porter, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "serial open port=%s baud=%d", name, baud)
	}
	return &serialPort{p: p, name: name}, nil
}

func (self *serialPort) String() string { return self.name }

func (self *serialPort) ReadAvailable(p []byte) (int, error) {
	n, err := self.p.Read(p)
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		// read timeout elapsed with no data
		return n, nil
	}
	self.lk.Lock()
	closed := self.closed
	self.lk.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return 0, errors.Annotatef(ErrDeviceLost, "port=%s read: %v", self.name, err)
}

func (self *serialPort) Write(p []byte) error {
	for len(p) > 0 {
		n, err := self.p.Write(p)
		if err != nil {
			return errors.Annotatef(ErrWrite, "port=%s: %v", self.name, err)
		}
		p = p[n:]
	}
	return nil
}

func (self *serialPort) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	return self.p.Close()
}
