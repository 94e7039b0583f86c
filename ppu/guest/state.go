package guest

import (
	"fmt"
	"sync/atomic"
)

// Executable is a compiled region. ctx packs (function address << 32) |
// exit instruction address; the result is 0 for a full logical return or the
// guest address at which dispatch must resume.
type Executable func(st *State, ctx uint64) uint32

// Reentry is the dispatcher back-pointer compiled code uses to run guest code
// it did not compile: linked calls go through ExecuteFunction, regions the
// compiler could not express go through ExecuteTillReturn.
type Reentry interface {
	ExecuteFunction(st *State, ctx uint64) uint32
	ExecuteTillReturn(st *State, ctx uint64) uint32
}

// StopSource reports the process-wide "emulation stopped" flag.
type StopSource interface {
	IsStopped() bool
}

// SPR numbers reachable through mfspr/mtspr.
const (
	SprXER = 1
	SprLR  = 8
	SprCTR = 9
)

// State is one guest CPU thread.
type State struct {
	GPR [32]uint64
	LR  uint64
	CTR uint64
	XER uint64
	CR  uint32
	PC  uint32

	// ExitFrom is the address of the last instruction a compiled block
	// executed before it returned to the dispatcher.
	ExitFrom uint32

	// StopAddress is the return address that ends the thread (LR at entry).
	StopAddress uint32

	Mem     *Memory
	Decoder Reentry
	Emu     StopSource

	// Fault records the error that stopped the thread, if any.
	Fault error

	stop atomic.Bool
}

// NewState returns a thread that starts at entry and stops when the entry
// function returns to stopAddress.
func NewState(mem *Memory, entry, stopAddress uint32) *State {
	st := &State{Mem: mem, PC: entry, StopAddress: stopAddress}
	st.LR = uint64(stopAddress)
	return st
}

// CheckStatus is the cooperative cancellation poll: true means the thread
// must leave its dispatch loop.
func (s *State) CheckStatus() bool {
	if s.stop.Load() {
		return true
	}
	return s.Emu != nil && s.Emu.IsStopped()
}

// FastStop asks the thread to leave its dispatch loop at the next poll.
func (s *State) FastStop() { s.stop.Store(true) }

// Stopped reports whether FastStop was called.
func (s *State) Stopped() bool { return s.stop.Load() }

// Resume clears a previous FastStop so the state can run again.
func (s *State) Resume() {
	s.stop.Store(false)
	s.Fault = nil
}

// SetFault records err and stops the thread.
func (s *State) SetFault(err error) {
	if s.Fault == nil {
		s.Fault = err
	}
	s.FastStop()
}

func (s *State) ReadSPR(spr uint32) (uint64, error) {
	switch spr {
	case SprXER:
		return s.XER, nil
	case SprLR:
		return s.LR, nil
	case SprCTR:
		return s.CTR, nil
	}
	return 0, fmt.Errorf("unsupported spr %d", spr)
}

func (s *State) WriteSPR(spr uint32, v uint64) error {
	switch spr {
	case SprXER:
		s.XER = v
	case SprLR:
		s.LR = v
	case SprCTR:
		s.CTR = v
	default:
		return fmt.Errorf("unsupported spr %d", spr)
	}
	return nil
}

// CRBit returns condition register bit bi (bit 0 is the most significant).
func (s *State) CRBit(bi uint32) bool {
	return (s.CR>>(31-bi))&1 == 1
}

// SetCRField stores a 4-bit LT/GT/EQ/SO nibble into field crf (0..7).
func (s *State) SetCRField(crf uint32, nibble uint32) {
	shift := 28 - 4*crf
	s.CR = (s.CR &^ (0xF << shift)) | ((nibble & 0xF) << shift)
}

// PackContext builds the 64-bit context word passed to compiled code.
func PackContext(function, exit uint32) uint64 {
	return uint64(function)<<32 | uint64(exit)
}

// UnpackContext splits a context word into function and exit addresses.
func UnpackContext(ctx uint64) (function, exit uint32) {
	return uint32(ctx >> 32), uint32(ctx)
}
