package proto

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/juju/errors"
)

// Registry resolves firmware-version-dependent payload schemas. It is
// constructed once from the NodeInfo exchanged during the connect
// handshake; no per-frame version negotiation happens after that.
type Registry struct {
	major uint8
	minor uint8
}

func NewRegistry(major, minor uint8) (*Registry, error) {
	if major != 1 {
		return nil, errors.NotSupportedf("protocol version %d.%d", major, minor)
	}
	return &Registry{major: major, minor: minor}, nil
}

func (r *Registry) Version() (uint8, uint8) { return r.major, r.minor }

// DecodeStatus understands two layouts: 1.0 without the progress field
// and 1.1+ with it. Both keep the firmware-specific tail opaque.
func (r *Registry) DecodeStatus(payload []byte) (GeneralStatus, error) {
	var gs GeneralStatus
	fixed := generalStatusFixed
	if r.minor == 0 {
		fixed = 8 + 8 + 1
	}
	if len(payload) < fixed {
		return gs, errors.NotValidf("status payload=(%d)%x", len(payload), payload)
	}
	gs.Timestamp = time.Duration(binary.BigEndian.Uint64(payload[0:8])) * time.Microsecond
	gs.Flags = binary.BigEndian.Uint64(payload[8:16])
	gs.TaskID = payload[16]
	if r.minor >= 1 {
		gs.Progress = math.Float32frombits(binary.BigEndian.Uint32(payload[17:21]))
	}
	if len(payload) > fixed {
		gs.Raw = payload[fixed:]
	}
	return gs, nil
}
