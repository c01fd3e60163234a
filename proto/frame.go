// Package proto implements the device wire protocol: delimited,
// byte-stuffed, CRC16-protected frames and the typed messages inside them.
//
// Frame on the wire: SOF then byte-stuffed content.
// Content: length:2 type:1 seq:2 payload:var crc:2, all big-endian.
// CRC16/CCITT-FALSE covers everything before the crc field.
// SOF never appears inside stuffed content, so resync after garbage is
// a forward scan to the next SOF.
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
	"github.com/sigurn/crc16"

	"github.com/drivelink-io/drivelink/helpers"
)

const (
	SOF = 0x8E
	ESC = 0x9E

	escXor = 0x20

	// length:2 type:1 seq:2 crc:2
	FrameOverhead = 7
	MaxPayload    = 1024
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ImageCRC checksums a whole firmware image with the same polynomial
// the framing layer uses. The device recomputes it after flashing.
func ImageCRC(image []byte) uint16 { return crc16.Checksum(image, crcTable) }

// Frame is one protocol unit. Seq is the correlation token for solicited
// exchanges and the sample sequence number for unsolicited telemetry.
type Frame struct {
	Payload []byte
	Seq     uint16
	Type    byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("(type=%02x seq=%d payload=(%d)%s)",
		f.Type, f.Seq, len(f.Payload), hex.EncodeToString(f.Payload))
}

// Encode returns complete wire bytes: SOF + stuffed content.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errors.NotValidf("frame payload=%d > max=%d", len(f.Payload), MaxPayload)
	}
	content := make([]byte, len(f.Payload)+FrameOverhead)
	binary.BigEndian.PutUint16(content[0:2], uint16(len(f.Payload)))
	content[2] = f.Type
	binary.BigEndian.PutUint16(content[3:5], f.Seq)
	copy(content[5:], f.Payload)
	crc := crc16.Checksum(content[:len(content)-2], crcTable)
	binary.BigEndian.PutUint16(content[len(content)-2:], crc)

	out := make([]byte, 1, len(content)*2+1)
	out[0] = SOF
	for _, b := range content {
		if b == SOF || b == ESC {
			out = append(out, ESC, b^escXor)
		} else {
			out = append(out, b)
		}
	}
	return out, nil
}

// MustEncode is for tests and static frames.
func (f *Frame) MustEncode() []byte {
	b, err := f.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Zero value is ready to use. Not safe for concurrent use; the single
// reader loop owns it.
type Decoder struct {
	buf        []byte
	collecting bool
	escape     bool
	stat       DecoderStat
}

type DecoderStat struct {
	Frames    uint32
	Errors    uint32
	ScanBytes uint32 // bytes discarded while searching for SOF
}

func (d *Decoder) Stat() DecoderStat { return d.stat }

// Feed consumes a chunk and returns every complete frame found in it.
// Framing errors (bad CRC, length overflow, unknown type, truncation)
// are folded into err; the decoder has already resynchronized, so the
// caller may log the error and keep feeding.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame
	var errs []error
	for _, b := range chunk {
		f, err := d.feedByte(b)
		if err != nil {
			d.stat.Errors++
			errs = append(errs, err)
		}
		if f != nil {
			d.stat.Frames++
			frames = append(frames, *f)
		}
	}
	return frames, helpers.FoldErrors(errs)
}

func (d *Decoder) feedByte(b byte) (*Frame, error) {
	if !d.collecting {
		if b == SOF {
			d.restart()
		} else {
			d.stat.ScanBytes++
		}
		return nil, nil
	}

	if b == SOF {
		// delimiter in the middle of a frame: previous one was truncated
		var err error
		if len(d.buf) > 0 || d.escape {
			err = errors.NotValidf("frame truncated at %d bytes", len(d.buf))
		}
		d.restart()
		return nil, err
	}

	if b == ESC {
		if d.escape {
			d.collecting = false
			return nil, errors.NotValidf("double escape")
		}
		d.escape = true
		return nil, nil
	}
	if d.escape {
		d.escape = false
		b ^= escXor
	}
	d.buf = append(d.buf, b)

	if len(d.buf) == 2 {
		if length := binary.BigEndian.Uint16(d.buf); length > MaxPayload {
			d.collecting = false
			return nil, errors.NotValidf("frame length=%d > max=%d", length, MaxPayload)
		}
	}
	if len(d.buf) >= 2 {
		total := int(binary.BigEndian.Uint16(d.buf)) + FrameOverhead
		if len(d.buf) == total {
			d.collecting = false
			return d.parse()
		}
	}
	return nil, nil
}

func (d *Decoder) parse() (*Frame, error) {
	content := d.buf
	crcIn := binary.BigEndian.Uint16(content[len(content)-2:])
	crcLocal := crc16.Checksum(content[:len(content)-2], crcTable)
	if crcIn != crcLocal {
		return nil, errors.NotValidf("frame=%x crc=%04x actual=%04x", content, crcIn, crcLocal)
	}
	typ := content[2]
	if !validTag(typ) {
		return nil, errors.NotValidf("frame=%x unknown type=%02x", content, typ)
	}
	f := &Frame{
		Type: typ,
		Seq:  binary.BigEndian.Uint16(content[3:5]),
	}
	if plen := len(content) - FrameOverhead; plen > 0 {
		f.Payload = make([]byte, plen)
		copy(f.Payload, content[5:5+plen])
	}
	return f, nil
}

func (d *Decoder) restart() {
	d.collecting = true
	d.escape = false
	d.buf = d.buf[:0]
}
