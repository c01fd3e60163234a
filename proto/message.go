package proto

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
)

// Frame type tags. NodeInfo and LogText are version-independent; the
// handshake must pin a protocol version before any other tag is used.
const (
	TagNodeInfo byte = 0x00

	TagGeneralStatus         byte = 0x01
	TagDeviceCharacteristics byte = 0x02
	TagCommand               byte = 0x03
	TagAck                   byte = 0x04
	TagTaskStatistics        byte = 0x05

	TagConfigWrite  byte = 0x06
	TagConfigCommit byte = 0x07
	TagConfigRead   byte = 0x08
	TagConfigData   byte = 0x09

	TagFlashErase  byte = 0x0a
	TagFlashChunk  byte = 0x0b
	TagFlashVerify byte = 0x0c

	TagLogText byte = 0x0d
)

func validTag(t byte) bool { return t <= TagLogText }

// ReplyMatches reports whether a frame of type reply is a plausible
// solicited reply to a request of type req. The host token counter and
// the device telemetry counter share one 16-bit space, so a matching
// Seq alone does not prove a frame is a reply.
func ReplyMatches(req, reply byte) bool {
	switch req {
	case TagCommand, TagConfigWrite, TagConfigCommit,
		TagFlashErase, TagFlashChunk, TagFlashVerify:
		return reply == TagAck
	case TagConfigRead:
		return reply == TagConfigData || reply == TagAck
	case TagNodeInfo, TagGeneralStatus, TagDeviceCharacteristics, TagTaskStatistics:
		return reply == req
	}
	return false
}

// Device-side task identifiers, fixed by the protocol.
const (
	TaskIdle          byte = 0
	TaskFault         byte = 1
	TaskBeep          byte = 2
	TaskRun           byte = 3
	TaskHardwareTest  byte = 4
	TaskMotorIdent    byte = 5
	TaskManualControl byte = 6
)

// Ack status codes.
const (
	AckOK       byte = 0
	AckBusy     byte = 1 // transient, retry is reasonable
	AckRejected byte = 2 // carries a reason code, not retryable
)

// Device mode as reported in NodeInfo.
const (
	ModeNormal     byte = 0
	ModeBootloader byte = 1
)

// General status flag bits (subset the session layer inspects; the rest
// is opaque to this layer and carried through raw).
const (
	FlagFault      uint64 = 1 << 11
	FlagVSIEnabled uint64 = 1 << 63
)

type NodeInfo struct {
	Name           string
	ProtocolMajor  uint8
	ProtocolMinor  uint8
	FirmwareMajor  uint8
	FirmwareMinor  uint8
	HardwareMajor  uint8
	HardwareMinor  uint8
	Mode           byte
	UniqueID       uint64
}

func (ni *NodeInfo) String() string {
	return fmt.Sprintf("(name=%s proto=%d.%d fw=%d.%d hw=%d.%d mode=%d uid=%016x)",
		ni.Name, ni.ProtocolMajor, ni.ProtocolMinor, ni.FirmwareMajor, ni.FirmwareMinor,
		ni.HardwareMajor, ni.HardwareMinor, ni.Mode, ni.UniqueID)
}

func (ni *NodeInfo) Encode() []byte {
	b := make([]byte, 15+len(ni.Name))
	b[0] = ni.ProtocolMajor
	b[1] = ni.ProtocolMinor
	b[2] = ni.FirmwareMajor
	b[3] = ni.FirmwareMinor
	b[4] = ni.HardwareMajor
	b[5] = ni.HardwareMinor
	b[6] = ni.Mode
	binary.BigEndian.PutUint64(b[7:15], ni.UniqueID)
	copy(b[15:], ni.Name)
	return b
}

func DecodeNodeInfo(payload []byte) (NodeInfo, error) {
	var ni NodeInfo
	if len(payload) < 15 {
		return ni, errors.NotValidf("nodeinfo payload=(%d)%x", len(payload), payload)
	}
	ni.ProtocolMajor = payload[0]
	ni.ProtocolMinor = payload[1]
	ni.FirmwareMajor = payload[2]
	ni.FirmwareMinor = payload[3]
	ni.HardwareMajor = payload[4]
	ni.HardwareMinor = payload[5]
	ni.Mode = payload[6]
	ni.UniqueID = binary.BigEndian.Uint64(payload[7:15])
	ni.Name = string(payload[15:])
	return ni, nil
}

// GeneralStatus is the periodic device status sample. Timestamp is the
// device monotonic clock; it only moves backwards when the device has
// rebooted, which the session layer treats as connection loss.
type GeneralStatus struct {
	Timestamp time.Duration // since device boot
	Flags     uint64
	TaskID    byte
	Progress  float32 // 0..1, meaningful for long-running device tasks
	Raw       []byte  // firmware-version-specific tail, decoded elsewhere
}

const generalStatusFixed = 8 + 8 + 1 + 4

func (gs *GeneralStatus) Encode() []byte {
	b := make([]byte, generalStatusFixed+len(gs.Raw))
	binary.BigEndian.PutUint64(b[0:8], uint64(gs.Timestamp/time.Microsecond))
	binary.BigEndian.PutUint64(b[8:16], gs.Flags)
	b[16] = gs.TaskID
	binary.BigEndian.PutUint32(b[17:21], math.Float32bits(gs.Progress))
	copy(b[generalStatusFixed:], gs.Raw)
	return b
}

type Ack struct {
	Status byte
	Reason byte
}

func (a *Ack) Encode() []byte { return []byte{a.Status, a.Reason} }

func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if len(payload) < 2 {
		return a, errors.NotValidf("ack payload=(%d)%x", len(payload), payload)
	}
	a.Status = payload[0]
	a.Reason = payload[1]
	return a, nil
}

type Command struct {
	TaskID byte
	Data   []byte
}

func (c *Command) Encode() []byte {
	b := make([]byte, 1+len(c.Data))
	b[0] = c.TaskID
	copy(b[1:], c.Data)
	return b
}

func DecodeCommand(payload []byte) (Command, error) {
	var c Command
	if len(payload) < 1 {
		return c, errors.NotValidf("command payload empty")
	}
	c.TaskID = payload[0]
	c.Data = payload[1:]
	return c, nil
}

// ConfigEntry is one named register write/read. Values are opaque
// payloads; their structure belongs to the device schema.
type ConfigEntry struct {
	Name  string
	Value []byte
}

func (ce *ConfigEntry) Encode() []byte {
	b := make([]byte, 1+len(ce.Name)+len(ce.Value))
	b[0] = byte(len(ce.Name))
	copy(b[1:], ce.Name)
	copy(b[1+len(ce.Name):], ce.Value)
	return b
}

func DecodeConfigEntry(payload []byte) (ConfigEntry, error) {
	var ce ConfigEntry
	if len(payload) < 1 || len(payload) < 1+int(payload[0]) {
		return ce, errors.NotValidf("config entry payload=(%d)%x", len(payload), payload)
	}
	nameLen := int(payload[0])
	ce.Name = string(payload[1 : 1+nameLen])
	ce.Value = payload[1+nameLen:]
	return ce, nil
}

// DeviceCharacteristics describes the power stage, requested once at
// connect.
type DeviceCharacteristics struct {
	RatedCurrent float32 // ampere
	RatedVoltage float32 // volt
	MaxRPM       uint32
}

func (dc *DeviceCharacteristics) Encode() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], math.Float32bits(dc.RatedCurrent))
	binary.BigEndian.PutUint32(b[4:8], math.Float32bits(dc.RatedVoltage))
	binary.BigEndian.PutUint32(b[8:12], dc.MaxRPM)
	return b
}

func DecodeDeviceCharacteristics(payload []byte) (DeviceCharacteristics, error) {
	var dc DeviceCharacteristics
	if len(payload) < 12 {
		return dc, errors.NotValidf("device characteristics payload=(%d)%x", len(payload), payload)
	}
	dc.RatedCurrent = math.Float32frombits(binary.BigEndian.Uint32(payload[0:4]))
	dc.RatedVoltage = math.Float32frombits(binary.BigEndian.Uint32(payload[4:8]))
	dc.MaxRPM = binary.BigEndian.Uint32(payload[8:12])
	return dc, nil
}

// TaskStat is one row of the device task statistics table.
type TaskStat struct {
	TotalRun     time.Duration
	StartedCount uint32
	FailureCount uint32
	LastExitCode uint16
	TaskID       byte
}

const taskStatSize = 8 + 4 + 4 + 2 + 1

func EncodeTaskStats(stats []TaskStat) []byte {
	b := make([]byte, 1+taskStatSize*len(stats))
	b[0] = byte(len(stats))
	for i, ts := range stats {
		off := 1 + i*taskStatSize
		binary.BigEndian.PutUint64(b[off:off+8], uint64(ts.TotalRun/time.Microsecond))
		binary.BigEndian.PutUint32(b[off+8:off+12], ts.StartedCount)
		binary.BigEndian.PutUint32(b[off+12:off+16], ts.FailureCount)
		binary.BigEndian.PutUint16(b[off+16:off+18], ts.LastExitCode)
		b[off+18] = ts.TaskID
	}
	return b
}

func DecodeTaskStats(payload []byte) ([]TaskStat, error) {
	if len(payload) < 1 {
		return nil, errors.NotValidf("task stats payload empty")
	}
	count := int(payload[0])
	if len(payload) < 1+count*taskStatSize {
		return nil, errors.NotValidf("task stats payload=(%d) count=%d", len(payload), count)
	}
	stats := make([]TaskStat, count)
	for i := range stats {
		off := 1 + i*taskStatSize
		stats[i].TotalRun = time.Duration(binary.BigEndian.Uint64(payload[off:off+8])) * time.Microsecond
		stats[i].StartedCount = binary.BigEndian.Uint32(payload[off+8 : off+12])
		stats[i].FailureCount = binary.BigEndian.Uint32(payload[off+12 : off+16])
		stats[i].LastExitCode = binary.BigEndian.Uint16(payload[off+16 : off+18])
		stats[i].TaskID = payload[off+18]
	}
	return stats, nil
}

// FlashErase asks the bootloader to erase room for an image of the
// given size.
type FlashErase struct {
	ImageSize uint32
}

func (fe *FlashErase) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, fe.ImageSize)
	return b
}

// FlashVerify carries the full-image checksum the device must match
// before the new firmware is accepted.
type FlashVerify struct {
	ImageSize uint32
	CRC       uint16
}

func (fv *FlashVerify) Encode() []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint32(b[0:4], fv.ImageSize)
	binary.BigEndian.PutUint16(b[4:6], fv.CRC)
	return b
}

// FlashChunk is one bounded write of a firmware image.
type FlashChunk struct {
	Offset uint32
	Data   []byte
}

func (fc *FlashChunk) Encode() []byte {
	b := make([]byte, 4+len(fc.Data))
	binary.BigEndian.PutUint32(b[0:4], fc.Offset)
	copy(b[4:], fc.Data)
	return b
}

func DecodeFlashChunk(payload []byte) (FlashChunk, error) {
	var fc FlashChunk
	if len(payload) < 4 {
		return fc, errors.NotValidf("flash chunk payload=(%d)%x", len(payload), payload)
	}
	fc.Offset = binary.BigEndian.Uint32(payload[0:4])
	fc.Data = payload[4:]
	return fc, nil
}
