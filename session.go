// Package dwire implements the host side of the debugWIRE single-wire
// debug protocol used by 8-bit AVR microcontrollers, tunnelled through a
// USB-attached LittleWire/Digispark bit-bang adapter.
//
// A Session owns the adapter link, the coalescing output buffer, the
// device's cached Y/Z register pair, and the current PC/breakpoint. It is
// not safe for concurrent use: debugWIRE is a strictly ordered, blocking,
// single-wire protocol and there is exactly one owner of the wire at a
// time (see the concurrency model in section 5 of SPEC_FULL.md).
package dwire

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SessionConfig carries the tunable knobs a Session needs. The
// retry/timing fields are pointers so a caller can request an explicit
// value — including an explicit zero, e.g. "no quiescent delay" in a test
// — while a nil field falls back to the package default; the zero value of
// SessionConfig itself (every field nil) resolves entirely to the
// documented retry/timing defaults.
type SessionConfig struct {
	// MaxSRAMBurst bounds how many bytes a single direct SRAM read
	// transfer moves; ranges longer than this are chunked.
	MaxSRAMBurst *int

	// RetryByteTransfer/RetryByteDelay govern the byte-transfer retry
	// loop: up to 50 retries, 20ms apart, after an initial attempt.
	RetryByteTransfer *int
	RetryByteDelay    *time.Duration

	// RetryCalibration/RetryCalibrationDelay govern the pulse-width
	// readback retry loop inside setBaud: 5 retries, 20ms apart, with no
	// un-delayed initial attempt.
	RetryCalibration      *int
	RetryCalibrationDelay *time.Duration

	// RetryBreakSync bounds the outer break+sync loop: 25 attempts.
	RetryBreakSync *int
	// BreakSettle is how long the adapter is given to drive a break and
	// sample the target's sync pulses before a calibration is attempted.
	BreakSettle *time.Duration

	// SendQuiet is the quiescent delay after a send transfer completes,
	// before the next transfer may be issued.
	SendQuiet *time.Duration

	// TimerEnable is the initial value of the session's timer-enable
	// flag; it can be changed later with SetTimerEnable.
	TimerEnable bool

	// Logger receives structured session logging. A nil Logger uses the
	// package default.
	Logger *logrus.Logger
}

// Ptr returns a pointer to v. It exists so callers can set a pointer-typed
// SessionConfig field to an explicit value, including an explicit zero,
// without declaring a local variable to take its address.
func Ptr[T any](v T) *T { return &v }

// resolvedConfig is SessionConfig with every retry/timing knob defaulted;
// a Session carries one of these rather than the raw SessionConfig so the
// rest of the package never has to nil-check a pointer to read a knob.
type resolvedConfig struct {
	MaxSRAMBurst int

	RetryByteTransfer int
	RetryByteDelay    time.Duration

	RetryCalibration      int
	RetryCalibrationDelay time.Duration

	RetryBreakSync int
	BreakSettle    time.Duration

	SendQuiet time.Duration
}

func resolveConfig(c SessionConfig) resolvedConfig {
	r := resolvedConfig{
		MaxSRAMBurst:          128,
		RetryByteTransfer:     50,
		RetryByteDelay:        20 * time.Millisecond,
		RetryCalibration:      5,
		RetryCalibrationDelay: 20 * time.Millisecond,
		RetryBreakSync:        25,
		BreakSettle:           120 * time.Millisecond,
		SendQuiet:             3 * time.Millisecond,
	}
	if c.MaxSRAMBurst != nil {
		r.MaxSRAMBurst = *c.MaxSRAMBurst
	}
	if c.RetryByteTransfer != nil {
		r.RetryByteTransfer = *c.RetryByteTransfer
	}
	if c.RetryByteDelay != nil {
		r.RetryByteDelay = *c.RetryByteDelay
	}
	if c.RetryCalibration != nil {
		r.RetryCalibration = *c.RetryCalibration
	}
	if c.RetryCalibrationDelay != nil {
		r.RetryCalibrationDelay = *c.RetryCalibrationDelay
	}
	if c.RetryBreakSync != nil {
		r.RetryBreakSync = *c.RetryBreakSync
	}
	if c.BreakSettle != nil {
		r.BreakSettle = *c.BreakSettle
	}
	if c.SendQuiet != nil {
		r.SendQuiet = *c.SendQuiet
	}
	return r
}

// Session is the singleton debug-session state: the adapter handle, the
// selected device, PC/BP, the cached high registers, measured baud, and
// the outgoing coalescing buffer.
type Session struct {
	cfg  resolvedConfig
	link AdapterLink
	log  *logrus.Entry

	device *DeviceEntry

	pc          uint16
	bp          *uint16
	timerEnable bool

	// regsCache shadows r28 (Y-low) through r31 (Z-high); the bulk
	// memory/register microprograms clobber Y and Z, so the host restores
	// them from here before every resume.
	regsCache [4]byte

	cyclesPerPulse uint32
	baud           uint32

	outBuf [128]byte
	outLen int
}

// New creates a Session bound to an already-open AdapterLink. It does not
// touch the wire; call Connect to perform break+sync+calibrate and
// identify the target.
func New(link AdapterLink, cfg SessionConfig) *Session {
	return &Session{
		cfg:         resolveConfig(cfg),
		link:        link,
		log:         newSessionLogger(cfg.Logger),
		timerEnable: cfg.TimerEnable,
	}
}

// PC returns the current byte-addressed program counter.
func (s *Session) PC() uint16 { return s.pc }

// SetPC sets the byte-addressed program counter that the next Trace/Go
// will resume from. It does not touch the wire.
func (s *Session) SetPC(pc uint16) { s.pc = pc &^ 1 }

// BP returns the armed breakpoint address and true, or (0, false) if no
// breakpoint is armed.
func (s *Session) BP() (uint16, bool) {
	if s.bp == nil {
		return 0, false
	}
	return *s.bp, true
}

// SetBP arms a single hardware breakpoint at the given byte address.
func (s *Session) SetBP(addr uint16) {
	addr &^= 1
	s.bp = &addr
}

// ClearBP disarms the breakpoint.
func (s *Session) ClearBP() { s.bp = nil }

// TimerEnable reports whether device timers keep running during Go. Trace
// always single-steps with timers stopped, whatever this flag says.
func (s *Session) TimerEnable() bool { return s.timerEnable }

// SetTimerEnable changes the timer-enable flag used by the next Go.
func (s *Session) SetTimerEnable(v bool) { s.timerEnable = v }

// Device returns the catalog entry selected by Connect, or false before a
// successful Connect.
func (s *Session) Device() (DeviceEntry, bool) {
	if s.device == nil {
		return DeviceEntry{}, false
	}
	return *s.device, true
}

// Baud returns the most recently calibrated bit rate in bits per second.
func (s *Session) Baud() uint32 { return s.baud }
