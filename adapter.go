package dwire

import (
	"encoding/binary"
	"time"
)

// USB identity of the LittleWire/Digispark gateway. Bit-exact: the
// gateway firmware only answers control requests addressed to this
// vendor/product pair and request number.
const (
	VendorID      = 0x1781
	ProductID     = 0x0c9f
	vendorRequest = 60
	usbTimeout    = 5 * time.Second
)

// Command-state bitmask fields. Only six phases exist; the adapter
// firmware performs whichever subset the bitmask names in a single
// control transfer.
const (
	reqSendBreak   byte = 0x01
	reqSetTiming   byte = 0x02
	reqSendBytes   byte = 0x04
	reqWaitStart   byte = 0x08
	reqReadBytes   byte = 0x10
	reqRecordPulse byte = 0x20
)

// The only state-byte combinations the adapter firmware understands.
const (
	stateBreakCapture byte = reqSendBreak | reqRecordPulse                // 0x21
	stateSetTiming    byte = reqSetTiming                                 // 0x02
	stateSend         byte = reqSendBytes                                 // 0x04
	stateSendRead     byte = reqSendBytes | reqReadBytes                  // 0x14
	stateSendWaitRead byte = reqSendBytes | reqWaitStart | reqReadBytes   // 0x1C, not issued by this package
	stateSendCapture  byte = reqSendBytes | reqRecordPulse                // 0x24
	stateSendWait     byte = reqSendBytes | reqWaitStart                  // 0x0C
)

// AdapterLink is the capability set a Session needs from the USB gateway:
// two control transfers and a close. Static polymorphism over the USB
// library means the protocol logic in this package never depends on a
// concrete USB stack; production code wires in the cgo/libusb backend in
// usblink.go, tests wire in a simulated adapter.
type AdapterLink interface {
	// ControlOut issues an OUT control transfer with the given wValue and
	// payload, returning the number of bytes accepted.
	ControlOut(value uint16, data []byte) (int, error)
	// ControlIn issues an IN control transfer with the given wValue,
	// filling buf and returning the number of bytes received.
	ControlIn(value uint16, buf []byte) (int, error)
	Close() error
}

// retryPolicy is the shared backoff shape behind every retry loop in this
// package: byte transfers retry with an initial un-delayed attempt, while
// the calibration readback and generic receive retry with a delay before
// every attempt including the first. Parameterising on delayFirst lets
// one policy type serve both loop shapes rather than duplicating the loop.
type retryPolicy struct {
	attempts   int
	delay      time.Duration
	delayFirst bool
}

// run calls fn once without delay (unless delayFirst is set), then up to
// attempts more times, each preceded by delay, while fn reports a
// non-positive count or an error. With delayFirst, attempts is therefore
// the total number of calls.
func (p retryPolicy) run(fn func() (int, error)) (int, error) {
	var n int
	var err error
	if !p.delayFirst {
		n, err = fn()
	}
	for tries := 0; tries < p.attempts && (err != nil || n <= 0); tries++ {
		time.Sleep(p.delay)
		n, err = fn()
	}
	return n, err
}

func (s *Session) byteTransferPolicy() retryPolicy {
	return retryPolicy{attempts: s.cfg.RetryByteTransfer, delay: s.cfg.RetryByteDelay, delayFirst: false}
}

func (s *Session) receivePolicy() retryPolicy {
	return retryPolicy{attempts: s.cfg.RetryByteTransfer, delay: s.cfg.RetryByteDelay, delayFirst: true}
}

func (s *Session) calibrationPolicy() retryPolicy {
	return retryPolicy{attempts: s.cfg.RetryCalibration, delay: s.cfg.RetryCalibrationDelay, delayFirst: true}
}

// sendBytes performs one OUT control transfer of state|data, retried per
// the byte-transfer policy, followed by the mandatory quiescent delay: a
// send must be followed by a short quiet period before the next transfer
// is issued.
func (s *Session) sendBytes(state byte, data []byte) error {
	n, err := s.byteTransferPolicy().run(func() (int, error) {
		return s.link.ControlOut(uint16(state), data)
	})
	if err != nil || n < len(data) {
		werr := firstNonNil(err, errShortWrite)
		s.log.WithError(werr).WithField("state", state).Warn("dwire: send failed after retries")
		return errTransport("sendBytes", werr)
	}
	time.Sleep(s.cfg.SendQuiet)
	return nil
}

var errShortWrite = errString("adapter accepted fewer bytes than requested")

func firstNonNil(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// setBaud reads back the adapter's pulse-capture buffer and derives the
// target's cycles-per-bit from the last 9 samples, recording it and the
// resulting baud (16.5MHz adapter clock / cyclesPerPulse). It reports whether
// calibration succeeded; a short readback (<18 bytes, i.e. fewer
// than 9 uint16 samples) is a failure, not a protocol error, so callers
// can retry the outer break+sync loop.
func (s *Session) setBaud() bool {
	var raw [128]byte
	n, err := s.calibrationPolicy().run(func() (int, error) {
		return s.link.ControlIn(0, raw[:])
	})
	if err != nil || n < 18 {
		return false
	}

	count := n / 2
	samples := make([]uint16, count)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}

	var sum uint32
	for _, v := range samples[count-9:] {
		sum += uint32(v)
	}

	// Pulse cycle time for each measurement is 6*measurement + 8 cycles;
	// this recovers cyclesPerPulse from the averaged half-bit widths.
	cpp := (6*sum)/9 + 8
	s.cyclesPerPulse = cpp
	s.baud = 16_500_000 / cpp

	bitTime := uint16((cpp - 8) / 4)
	var timing [2]byte
	binary.LittleEndian.PutUint16(timing[:], bitTime)

	if _, err := s.link.ControlOut(uint16(reqSetTiming), timing[:]); err != nil {
		return false
	}
	return true
}

// breakAndSync repeats a break+capture until the target's sync pulses
// calibrate successfully. On success it records the baud in bits per
// second (16.5MHz adapter clock / cyclesPerPulse).
func (s *Session) breakAndSync() error {
	for tries := 0; tries < s.cfg.RetryBreakSync; tries++ {
		if _, err := s.link.ControlOut(uint16(stateBreakCapture), nil); err == nil {
			time.Sleep(s.cfg.BreakSettle)
			if s.setBaud() {
				s.baud = 16_500_000 / s.cyclesPerPulse
				s.log.WithField("baud", s.baud).Debug("dwire: break+sync calibrated")
				return nil
			}
		}
	}
	s.log.WithField("tries", s.cfg.RetryBreakSync).Warn("dwire: retries exhausted, break+sync never calibrated")
	return errCalibration("breakAndSync", errBreakSyncExhausted)
}

var errBreakSyncExhausted = errString("could not capture pulse timings after break-sync retries")

type errString string

func (e errString) Error() string { return string(e) }
