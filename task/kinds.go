package task

import (
	"github.com/juju/errors"

	"github.com/drivelink-io/drivelink/proto"
)

// Sub-state names, visible in events and in the CLI.
const (
	SubStaging      = "staging"
	SubCommitting   = "committing"
	SubStarting     = "starting"
	SubTesting      = "testing"
	SubIdentifying  = "identifying"
	SubErasing      = "erasing"
	SubTransferring = "transferring"
	SubVerifying    = "verifying"
)

func (t *Task) steps() error {
	switch t.kind {
	case KindConfigCommit:
		return t.stepsConfigCommit()
	case KindSelfTest:
		return t.stepsDeviceTask(proto.TaskHardwareTest, SubTesting)
	case KindMotorIdent:
		return t.stepsDeviceTask(proto.TaskMotorIdent, SubIdentifying)
	case KindFirmwareUpload:
		return t.stepsFirmwareUpload()
	}
	return errors.NotValidf("task kind=%d", t.kind)
}

// stepsConfigCommit stages every register write, then commits them
// atomically on the device side.
func (t *Task) stepsConfigCommit() error {
	t.transition(StateRunning, SubStaging)
	for i := range t.params.Entries {
		if err := t.checkCancel(); err != nil {
			return err
		}
		entry := &t.params.Entries[i]
		if err := t.requestAck(proto.TagConfigWrite, entry.Encode()); err != nil {
			return errors.Annotatef(err, "stage %s", entry.Name)
		}
		t.progress(SubStaging, float32(i+1)/float32(len(t.params.Entries)))
	}

	t.transition(StateRunning, SubCommitting)
	if err := t.requestAck(proto.TagConfigCommit, nil); err != nil {
		return errors.Annotate(err, "commit")
	}
	return nil
}

// stepsDeviceTask starts a device-side task (hardware test, motor
// identification) and follows telemetry until the device returns to
// idle or falls into fault.
func (t *Task) stepsDeviceTask(deviceTask byte, sub string) error {
	t.transition(StateRunning, SubStarting)
	cmd := proto.Command{TaskID: deviceTask}
	if err := t.requestAck(proto.TagCommand, cmd.Encode()); err != nil {
		return errors.Annotatef(err, "start device task=%d", deviceTask)
	}

	t.transition(StateRunning, sub)
	final, err := t.awaitStatus(sub, func(gs proto.GeneralStatus) bool {
		return gs.TaskID != deviceTask
	})
	if err != nil {
		return errors.Trace(err)
	}
	if final.TaskID == proto.TaskFault || final.Flags&proto.FlagFault != 0 {
		return errors.Errorf("device fault after %s flags=%016x", sub, final.Flags)
	}
	return nil
}

// stepsFirmwareUpload: erase, transfer bounded chunks, verify the image
// checksum. A chunk failure aborts the whole task; a fresh task starts
// over from erase so the device never keeps a half-written image.
func (t *Task) stepsFirmwareUpload() error {
	image := t.params.Image

	t.transition(StateRunning, SubErasing)
	erase := proto.FlashErase{ImageSize: uint32(len(image))}
	if err := t.requestAck(proto.TagFlashErase, erase.Encode()); err != nil {
		return errors.Annotate(err, "erase")
	}

	t.transition(StateRunning, SubTransferring)
	chunkSize := t.o.conf.ChunkSize
	for offset := 0; offset < len(image); offset += chunkSize {
		if err := t.checkCancel(); err != nil {
			return err
		}
		end := offset + chunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := proto.FlashChunk{Offset: uint32(offset), Data: image[offset:end]}
		// no per-chunk retry: any failure invalidates the transfer
		if err := t.requestAckOnce(proto.TagFlashChunk, chunk.Encode()); err != nil {
			return errors.Annotatef(err, "chunk offset=%d", offset)
		}
		t.progress(SubTransferring, float32(end)/float32(len(image)))
	}

	t.transition(StateRunning, SubVerifying)
	verify := proto.FlashVerify{
		ImageSize: uint32(len(image)),
		CRC:       proto.ImageCRC(image),
	}
	if err := t.requestAck(proto.TagFlashVerify, verify.Encode()); err != nil {
		return errors.Annotate(err, "verify")
	}
	return nil
}
