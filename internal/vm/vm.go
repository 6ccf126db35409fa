package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
)

const (
	MemorySize    = 4096
	StackSize     = 16
	RegisterCount = 16
	ScreenWidth   = 64
	ScreenHeight  = 32
	KeyCount      = 16

	ProgramStart    = uint16(0x200)
	InstructionSize = 2

	// MaxProgramSize is the largest program that fits above ProgramStart.
	MaxProgramSize = MemorySize - int(ProgramStart)

	addrMask = 0x0FFF
	flag     = 0x0F // VF
)

var (
	ErrProgramTooLarge = errors.New("program too large")
)

// VM is a CHIP-8 machine. All exported methods are safe for concurrent use.
type VM struct {
	cpuMu sync.Mutex // guards the CPU partition below

	memory    [MemorySize]uint8    // Memory (4k)
	registers [RegisterCount]uint8 // V registers (V0-VF)

	stack [StackSize]uint16 // Stack
	sp    uint16            // Stack pointer

	pc     uint16 // Program counter
	index  uint16 // Index register
	opcode uint16 // Current opcode

	gfx      [ScreenWidth * ScreenHeight]uint8 // Graphics buffer
	drawFlag bool                              // Indicates a draw has occurred
	looped   bool                              // Program jumped to itself

	handlers [16]Handler
	pending  *Fault // first fault raised by the current instruction
	stats    Stats

	program []byte

	timerMu sync.Mutex // guards the timer partition below

	delayTimer uint8 // Delay timer
	soundTimer uint8 // Sound timer
	ticks      uint64

	host   Host
	random func() uint8

	scheduler
}

// Host is implemented by the embedder. Draw and Beep are invoked after the
// VM has released its locks; KeyState is invoked while an instruction is
// executing and must neither block nor call back into the VM.
type Host interface {
	Draw(vm *VM)
	KeyState(vm *VM, key Key) bool
	Beep(vm *VM)
}

// NopHost ignores all notifications and reports every key as released.
type NopHost struct{}

func (NopHost) Draw(*VM)               {}
func (NopHost) KeyState(*VM, Key) bool { return false }
func (NopHost) Beep(*VM)               {}

type Key uint8

const (
	Key0 = Key(iota)
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
)

type Option func(vm *VM)

func WithHost(host Host) Option {
	return func(vm *VM) {
		if host != nil {
			vm.host = host
		}
	}
}

// WithCPUSpeed sets the instruction clock rate. Rates outside 1..MaxSpeed Hz
// are rejected with a warning and the default is kept.
func WithCPUSpeed(hz int) Option {
	return func(vm *VM) {
		if err := vm.cpuClock.setSpeed(hz); err != nil {
			slog.Warn("ignoring clock speed", "clock", vm.cpuClock.name, "err", err)
		}
	}
}

// WithTimerSpeed sets the timer clock rate. Rates outside 1..MaxSpeed Hz
// are rejected with a warning and the default is kept.
func WithTimerSpeed(hz int) Option {
	return func(vm *VM) {
		if err := vm.timerClock.setSpeed(hz); err != nil {
			slog.Warn("ignoring clock speed", "clock", vm.timerClock.name, "err", err)
		}
	}
}

// WithRandom replaces the byte source used by CXNN.
func WithRandom(random func() uint8) Option {
	return func(vm *VM) {
		if random != nil {
			vm.random = random
		}
	}
}

func New(opts ...Option) *VM {
	vm := &VM{
		host: NopHost{},
		random: func() uint8 {
			return uint8(rand.Intn(256))
		},
	}
	vm.handlers = defaultHandlers
	vm.initScheduler()

	for _, opt := range opts {
		opt(vm)
	}

	vm.initialize()
	return vm
}

// Load copies program into memory at ProgramStart, replacing whatever code
// was loaded before. Registers, timers and the display are left as they are.
func (vm *VM) Load(program []byte) error {
	if len(program) > MaxProgramSize {
		return fmt.Errorf("%w: %d bytes, at most %d fit", ErrProgramTooLarge, len(program), MaxProgramSize)
	}

	vm.cpuMu.Lock()
	defer vm.cpuMu.Unlock()

	vm.program = append(vm.program[:0], program...)
	vm.loadProgram()
	return nil
}

// LoadFile reads a ROM from path and loads it.
func (vm *VM) LoadFile(path string) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to load file %q: %w", path, err)
	}

	return vm.Load(bs)
}

// Reset zeroes the machine, reloads the font and the last loaded program and
// notifies the host that the display was cleared. The pause state is kept.
func (vm *VM) Reset() {
	vm.cpuMu.Lock()
	vm.timerMu.Lock()

	vm.initialize()
	vm.delayTimer = 0
	vm.soundTimer = 0
	vm.ticks = 0

	vm.timerMu.Unlock()
	vm.cpuMu.Unlock()

	slog.Info("machine reset")
	vm.host.Draw(vm)
}

func (vm *VM) initialize() {
	vm.pc = ProgramStart
	vm.index = 0
	vm.sp = 0
	vm.opcode = 0

	// Clear the display
	clear(vm.gfx[:])
	vm.drawFlag = false
	vm.looped = false

	// Clear the stack and V registers
	slog.Debug("clear stack", "n", len(vm.stack))
	clear(vm.stack[:])

	slog.Debug("clear registers", "n", len(vm.registers))
	clear(vm.registers[:])

	// Clear memory
	slog.Debug("clear memory", "n", len(vm.memory))
	clear(vm.memory[:])

	// Load font set into memory
	slog.Debug("load font", "at", fmt.Sprintf("0x%04x", FontStart), "n", len(chip8Font))
	copy(vm.memory[FontStart:], chip8Font[:])

	vm.loadProgram()

	vm.pending = nil
	vm.stats = Stats{}
}

func (vm *VM) loadProgram() {
	clear(vm.memory[ProgramStart:])

	slog.Info("load program", "at", fmt.Sprintf("0x%04x", ProgramStart), "n", len(vm.program))
	copy(vm.memory[ProgramStart:], vm.program)
}

// SetHandler replaces the handler for an opcode family (the high nibble of
// the opcode). A nil handler restores the built-in one.
func (vm *VM) SetHandler(family uint8, h Handler) {
	family &= 0x0F

	vm.cpuMu.Lock()
	defer vm.cpuMu.Unlock()

	if h == nil {
		h = defaultHandlers[family]
	}
	vm.handlers[family] = h
}
