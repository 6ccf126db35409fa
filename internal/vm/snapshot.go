package vm

// Snapshot is a point-in-time copy of the machine for renderers and
// debuggers. It shares no memory with the VM.
type Snapshot struct {
	Opcode uint16
	Memory [MemorySize]uint8
	V      [RegisterCount]uint8
	I      uint16
	PC     uint16

	GFX [ScreenWidth * ScreenHeight]uint8

	DelayTimer uint8
	SoundTimer uint8

	Stack [StackSize]uint16
	SP    uint16

	Stats  Stats
	Looped bool

	Paused     bool
	CPUSpeed   int
	TimerSpeed int
}

// Pixel reports whether the pixel at (x, y) is lit. Coordinates wrap
// around the screen like sprites do.
func (s *Snapshot) Pixel(x, y int) bool {
	col := uint(x) % ScreenWidth
	row := uint(y) % ScreenHeight
	return s.GFX[row*ScreenWidth+col] != 0
}

// Snapshot copies the machine state. Both partitions are locked for the
// duration of the copy, so the result never mixes values from before and
// after an instruction or a timer tick. It must not be called from
// Host.KeyState.
func (vm *VM) Snapshot() Snapshot {
	var s Snapshot

	vm.cpuMu.Lock()
	vm.timerMu.Lock()

	s.Opcode = vm.opcode
	s.Memory = vm.memory
	s.V = vm.registers
	s.I = vm.index
	s.PC = vm.pc
	s.GFX = vm.gfx
	s.Stack = vm.stack
	s.SP = vm.sp
	s.Stats = vm.stats
	s.Looped = vm.looped

	s.DelayTimer = vm.delayTimer
	s.SoundTimer = vm.soundTimer
	s.Stats.Ticks = vm.ticks

	vm.timerMu.Unlock()
	vm.cpuMu.Unlock()

	s.Paused = vm.Paused()
	s.CPUSpeed = vm.CPUSpeed()
	s.TimerSpeed = vm.TimerSpeed()
	return s
}
