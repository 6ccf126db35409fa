package vm

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrMemoryBounds   = errors.New("memory access out of bounds")
	ErrStackOverflow  = errors.New("stack overflow")
	ErrStackUnderflow = errors.New("stack underflow")
)

// Fault is a recoverable machine fault raised while executing one
// instruction. The instruction still completes according to the fault
// policy, so the machine never stops on a Fault.
type Fault struct {
	Err    error
	PC     uint16 // address of the faulting instruction
	Opcode uint16
	Addr   uint16 // offending address, for memory and stack faults
}

func (f *Fault) Error() string {
	if errors.Is(f.Err, ErrUnknownOpcode) {
		return fmt.Sprintf("%v 0x%04X at 0x%04x", f.Err, f.Opcode, f.PC)
	}
	return fmt.Sprintf("%v: opcode 0x%04X at 0x%04x, addr 0x%04x", f.Err, f.Opcode, f.PC, f.Addr)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Stats counts what the machine executed since creation or the last reset.
type Stats struct {
	Cycles         uint64
	Ticks          uint64
	UnknownOpcodes uint64
	BoundsFaults   uint64
	StackFaults    uint64
}

func (vm *VM) fault(err error, addr uint16) {
	switch err {
	case ErrUnknownOpcode:
		vm.stats.UnknownOpcodes++
	case ErrMemoryBounds:
		vm.stats.BoundsFaults++
	case ErrStackOverflow, ErrStackUnderflow:
		vm.stats.StackFaults++
	}

	if vm.pending == nil {
		vm.pending = &Fault{Err: err, Opcode: vm.opcode, Addr: addr}
	}
}

// read returns the byte at addr, wrapping addresses past the end of memory.
func (vm *VM) read(addr uint16) uint8 {
	if addr > addrMask {
		vm.fault(ErrMemoryBounds, addr)
		addr &= addrMask
	}
	return vm.memory[addr]
}

// write stores v at addr, wrapping addresses past the end of memory. Writes
// into the reserved area below ProgramStart are dropped. Either way one bad
// access counts as one fault.
func (vm *VM) write(addr uint16, v uint8) {
	if addr > addrMask || addr < ProgramStart {
		vm.fault(ErrMemoryBounds, addr)
		addr &= addrMask
	}
	if addr < ProgramStart {
		return
	}
	vm.memory[addr] = v
}
