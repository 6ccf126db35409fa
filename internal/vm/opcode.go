package vm

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler executes one instruction of an opcode family. Handlers run with
// the CPU partition locked and are responsible for advancing the program
// counter.
type Handler func(vm *VM, opcode uint16) error

type instruction struct {
	Name    func(opcode uint16) string
	Execute Handler
}

// decoders maps the high nibble of an opcode to its family decoder.
var decoders = [16]func(opcode uint16) instruction{
	0x0: decodeSys,
	0x1: always(jmpInstruction),
	0x2: always(jsrInstruction),
	0x3: always(skeq1Instruction),
	0x4: always(skne1Instruction),
	0x5: decodeSkeq2,
	0x6: always(mov1Instruction),
	0x7: always(add1Instruction),
	0x8: decodeALU,
	0x9: decodeSkne2,
	0xA: always(mviInstruction),
	0xB: always(jmiInstruction),
	0xC: always(randInstruction),
	0xD: always(spriteInstruction),
	0xE: decodeKey,
	0xF: decodeMisc,
}

var defaultHandlers [16]Handler

func init() {
	for family, decodeFamily := range decoders {
		decodeFamily := decodeFamily
		defaultHandlers[family] = func(vm *VM, opcode uint16) error {
			return decodeFamily(opcode).Execute(vm, opcode)
		}
	}
}

// Disassemble returns the mnemonic form of opcode.
func Disassemble(opcode uint16) string {
	return decode(opcode).Name(opcode)
}

func decode(opcode uint16) instruction {
	return decoders[opcode>>12](opcode)
}

func (vm *VM) step() error {
	if vm.pc > addrMask {
		vm.fault(ErrMemoryBounds, vm.pc)
		vm.pc &= addrMask
	}

	pc := vm.pc
	vm.opcode = vm.fetchOpcode()
	vm.stats.Cycles++

	if err := vm.executeOpcode(vm.opcode); err != nil {
		vm.pending = nil
		return err
	}

	if f := vm.pending; f != nil {
		vm.pending = nil
		f.PC = pc
		return f
	}

	return nil
}

func (vm *VM) fetchOpcode() uint16 {
	hi := vm.read(vm.pc)
	lo := vm.read(vm.pc + 1)

	opcode := uint16(hi)<<8 | uint16(lo) // Op code is two bytes
	return opcode
}

func (vm *VM) executeOpcode(opcode uint16) error {
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug(
			"exec",
			"pc", fmt.Sprintf("0x%04x", vm.pc),
			"opcode", fmt.Sprintf("0x%04x", opcode),
			"instr", Disassemble(opcode),
		)
	}

	return vm.handlers[opcode>>12](vm, opcode)
}

// Operand fields.
func regX(opcode uint16) uint16 { return (opcode & 0x0F00) >> 8 }
func regY(opcode uint16) uint16 { return (opcode & 0x00F0) >> 4 }
func imm8(opcode uint16) uint8  { return uint8(opcode & 0x00FF) }
func addr(opcode uint16) uint16 { return opcode & 0x0FFF }

func (vm *VM) next() {
	vm.pc += InstructionSize
}

func (vm *VM) skipIf(cond bool) {
	if cond {
		vm.pc += 2 * InstructionSize
	} else {
		vm.pc += InstructionSize
	}
}

func always(instr instruction) func(uint16) instruction {
	return func(uint16) instruction { return instr }
}

func decodeSys(opcode uint16) instruction {
	switch opcode {
	case 0x00E0:
		// 00E0 - Clear screen
		return clsInstruction

	case 0x00EE:
		// 00EE - Return from subroutine
		return rtsInstruction
	}

	// 0NNN - Call machine code routine at NNN; not supported, skipped
	return sysInstruction
}

func decodeSkeq2(opcode uint16) instruction {
	if opcode&0x000F != 0 {
		return unknownInstruction
	}
	// 5XY0 - Skips the next instruction if VX equals VY
	return skeq2Instruction
}

func decodeSkne2(opcode uint16) instruction {
	if opcode&0x000F != 0 {
		return unknownInstruction
	}
	// 9XY0 - Skips the next instruction if VX doesn't equal VY
	return skne2Instruction
}

func decodeALU(opcode uint16) instruction {
	switch opcode & 0x000F {
	case 0x0000:
		// 8XY0 - Sets VX to the value of VY
		return mov2Instruction

	case 0x0001:
		// 8XY1 - Sets VX to (VX OR VY)
		return orInstruction

	case 0x0002:
		// 8XY2 - Sets VX to (VX AND VY)
		return andInstruction

	case 0x0003:
		// 8XY3 - Sets VX to (VX XOR VY)
		return xorInstruction

	case 0x0004:
		// 8XY4 - Adds VY to VX. VF is set to 1 when there's a carry, and to 0 when there isn't.
		return add2Instruction

	case 0x0005:
		// 8XY5 - VY is subtracted from VX. VF is set to 0 when there's a borrow, and 1 when there isn't.
		return subInstruction

	case 0x0006:
		// 8XY6 - Shifts VX right by one. VF is set to the least significant bit of VX before the shift.
		return shrInstruction

	case 0x0007:
		// 8XY7 - Sets VX to VY minus VX. VF is set to 0 when there's a borrow, and 1 when there isn't.
		return rsbInstruction

	case 0x000E:
		// 8XYE - Shifts VX left by one. VF is set to the most significant bit of VX before the shift.
		return shlInstruction
	}

	return unknownInstruction
}

func decodeKey(opcode uint16) instruction {
	switch opcode & 0x00FF {
	case 0x009E:
		// EX9E - Skips the next instruction if the key stored in VX is pressed
		return skprInstruction

	case 0x00A1:
		// EXA1 - Skips the next instruction if the key stored in VX isn't pressed
		return skupInstruction
	}

	return unknownInstruction
}

func decodeMisc(opcode uint16) instruction {
	switch opcode & 0x00FF {
	case 0x0007:
		// FX07 - Sets VX to the value of the delay timer
		return gdelayInstruction

	case 0x000A:
		// FX0A - A key press is awaited, and then stored in VX
		return keyInstruction

	case 0x0015:
		// FX15 - Sets the delay timer to VX
		return sdelayInstruction

	case 0x0018:
		// FX18 - Sets the sound timer to VX
		return ssoundInstruction

	case 0x001E:
		// FX1E - Adds VX to I
		return adiInstruction

	case 0x0029:
		// FX29 - Sets I to the location of the font glyph for the digit in VX
		return fontInstruction

	case 0x0033:
		// FX33 - Stores the BCD representation of VX at I, I+1 and I+2
		return bcdInstruction

	case 0x0055:
		// FX55 - Stores V0 to VX in memory starting at address I
		return strInstruction

	case 0x0065:
		// FX65 - Reads memory starting at address I into V0...VX
		return ldrInstruction
	}

	return unknownInstruction
}

func nameX(mnemonic string) func(uint16) string {
	return func(opcode uint16) string {
		return fmt.Sprintf("%s v%x", mnemonic, regX(opcode))
	}
}

func nameXY(mnemonic string) func(uint16) string {
	return func(opcode uint16) string {
		return fmt.Sprintf("%s v%x, v%x", mnemonic, regX(opcode), regY(opcode))
	}
}

func nameXN(mnemonic string) func(uint16) string {
	return func(opcode uint16) string {
		return fmt.Sprintf("%s v%x, %d", mnemonic, regX(opcode), imm8(opcode))
	}
}

func nameAddr(mnemonic string) func(uint16) string {
	return func(opcode uint16) string {
		return fmt.Sprintf("%s 0x%04x", mnemonic, addr(opcode))
	}
}

// alu builds an 8XY_ instruction. op returns the new VX and, when setsFlag
// is true, the value of VF. VF is written last so it wins when X is F.
func alu(name func(uint16) string, setsFlag bool, op func(x, y uint8) (uint8, uint8)) instruction {
	return instruction{
		Name: name,
		Execute: func(vm *VM, opcode uint16) error {
			vX, vY := regX(opcode), regY(opcode)

			result, carry := op(vm.registers[vX], vm.registers[vY])
			vm.registers[vX] = result
			if setsFlag {
				vm.registers[flag] = carry
			}

			vm.next()
			return nil
		},
	}
}

var (
	// 0xxx	sys xxx	call machine code at xxx, ignored
	sysInstruction = instruction{
		Name: nameAddr("sys"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.next()
			return nil
		},
	}

	// 00E0	cls	Clear the screen
	clsInstruction = instruction{
		Name: func(opcode uint16) string {
			return "cls"
		},
		Execute: func(vm *VM, opcode uint16) error {
			clear(vm.gfx[:])
			vm.drawFlag = true
			vm.next()
			return nil
		},
	}

	// 00EE	rts	return from subroutine call
	rtsInstruction = instruction{
		Name: func(opcode uint16) string {
			return "rts"
		},
		Execute: func(vm *VM, opcode uint16) error {
			if vm.sp == 0 {
				vm.fault(ErrStackUnderflow, vm.pc)
				vm.next()
				return nil
			}

			vm.sp--
			vm.pc = vm.stack[vm.sp]
			vm.next()
			return nil
		},
	}

	// 1xxx	jmp xxx	jump to address xxx
	jmpInstruction = instruction{
		Name: nameAddr("jmp"),
		Execute: func(vm *VM, opcode uint16) error {
			pc := addr(opcode)
			if pc == vm.pc && !vm.looped {
				vm.looped = true
				slog.Info("program looped", "pc", fmt.Sprintf("0x%04x", pc))
			}
			vm.pc = pc
			return nil
		},
	}

	// 2xxx	jsr xxx	jump to subroutine at address xxx
	jsrInstruction = instruction{
		Name: nameAddr("jsr"),
		Execute: func(vm *VM, opcode uint16) error {
			if int(vm.sp) >= StackSize {
				vm.fault(ErrStackOverflow, addr(opcode))
				vm.next()
				return nil
			}

			vm.stack[vm.sp] = vm.pc
			vm.sp++
			vm.pc = addr(opcode)
			return nil
		},
	}

	// 3rxx	skeq vr,xx	skip if register r = constant
	skeq1Instruction = instruction{
		Name: nameXN("skeq"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(vm.registers[regX(opcode)] == imm8(opcode))
			return nil
		},
	}

	// 4rxx	skne vr,xx	skip if register r <> constant
	skne1Instruction = instruction{
		Name: nameXN("skne"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(vm.registers[regX(opcode)] != imm8(opcode))
			return nil
		},
	}

	// 5ry0	skeq vr,vy	skip if register r = register y
	skeq2Instruction = instruction{
		Name: nameXY("skeq"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(vm.registers[regX(opcode)] == vm.registers[regY(opcode)])
			return nil
		},
	}

	// 6rxx	mov vr,xx	move constant to register r
	mov1Instruction = instruction{
		Name: nameXN("mov"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = imm8(opcode)
			vm.next()
			return nil
		},
	}

	// 7rxx	add vr,xx	add constant to register r	No carry generated
	add1Instruction = instruction{
		Name: nameXN("add"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] += imm8(opcode)
			vm.next()
			return nil
		},
	}

	// 8ry0	mov vr,vy	move register vy into vr
	mov2Instruction = alu(nameXY("mov"), false, func(_, y uint8) (uint8, uint8) {
		return y, 0
	})

	// 8ry1	or rx,ry	or register vy into register vx
	orInstruction = alu(nameXY("or"), false, func(x, y uint8) (uint8, uint8) {
		return x | y, 0
	})

	// 8ry2	and rx,ry	and register vy into register vx
	andInstruction = alu(nameXY("and"), false, func(x, y uint8) (uint8, uint8) {
		return x & y, 0
	})

	// 8ry3	xor rx,ry	exclusive or register ry into register rx
	xorInstruction = alu(nameXY("xor"), false, func(x, y uint8) (uint8, uint8) {
		return x ^ y, 0
	})

	// 8ry4	add vr,vy	add register vy to vr, carry in vf
	add2Instruction = alu(nameXY("add"), true, func(x, y uint8) (uint8, uint8) {
		sum := uint16(x) + uint16(y)
		if sum > 0xFF {
			return uint8(sum), 1
		}
		return uint8(sum), 0
	})

	// 8ry5	sub vr,vy	subtract register vy from vr, vf set to 0 on borrow
	subInstruction = alu(nameXY("sub"), true, func(x, y uint8) (uint8, uint8) {
		if y > x {
			return x - y, 0
		}
		return x - y, 1
	})

	// 8r06	shr vr	shift register vr right, bit 0 goes into register vf
	shrInstruction = alu(nameX("shr"), true, func(x, _ uint8) (uint8, uint8) {
		return x >> 1, x & 0x1
	})

	// 8ry7	rsb vr,vy	subtract register vr from register vy, result in vr, vf set to 0 on borrow
	rsbInstruction = alu(nameXY("rsb"), true, func(x, y uint8) (uint8, uint8) {
		if x > y {
			return y - x, 0
		}
		return y - x, 1
	})

	// 8r0e	shl vr	shift register vr left, bit 7 goes into register vf
	shlInstruction = alu(nameX("shl"), true, func(x, _ uint8) (uint8, uint8) {
		return x << 1, x >> 7
	})

	// 9ry0	skne vr,vy	skip if register r <> register y
	skne2Instruction = instruction{
		Name: nameXY("skne"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(vm.registers[regX(opcode)] != vm.registers[regY(opcode)])
			return nil
		},
	}

	// axxx	mvi xxx	Load index register with constant xxx
	mviInstruction = instruction{
		Name: nameAddr("mvi"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.index = addr(opcode)
			vm.next()
			return nil
		},
	}

	// bxxx	jmi xxx	Jump to address xxx+register v0
	jmiInstruction = instruction{
		Name: nameAddr("jmi"),
		Execute: func(vm *VM, opcode uint16) error {
			pc := addr(opcode) + uint16(vm.registers[0])
			if pc > addrMask {
				vm.fault(ErrMemoryBounds, pc)
				pc &= addrMask
			}
			vm.pc = pc
			return nil
		},
	}

	// crxx	rand vr,xx	vr = random byte masked by xx
	randInstruction = instruction{
		Name: nameXN("rand"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.registers[regX(opcode)] = vm.random() & imm8(opcode)
			vm.next()
			return nil
		},
	}

	// drys	sprite rx,ry,s	Draw sprite at screen location rx,ry height s
	// Sprites stored in memory at location in index register, 8 bits wide.
	// Wraps around the screen.
	// If when drawn, clears a pixel, vf is set to 1 otherwise it is zero.
	// All drawing is xor drawing (e.g. it toggles the screen pixels)
	spriteInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("sprite v%x, v%x, %d", regX(opcode), regY(opcode), opcode&0x000F)
		},
		Execute: func(vm *VM, opcode uint16) error {
			height := opcode & 0x000F
			xLocation := uint16(vm.registers[regX(opcode)])
			yLocation := uint16(vm.registers[regY(opcode)])

			hasCollision := uint8(0)
			for y := uint16(0); y < height; y++ {
				pixel := vm.read(vm.index + y)

				const width = uint16(8)
				for x := uint16(0); x < width; x++ {
					if pixel&(0x80>>x) == 0 {
						continue
					}

					screenAddr := getScreenAddr(x+xLocation, y+yLocation)
					if vm.gfx[screenAddr] != 0 {
						hasCollision = 1
					}
					vm.gfx[screenAddr] ^= 1
				}
			}

			vm.registers[flag] = hasCollision
			vm.drawFlag = true
			vm.next()
			return nil
		},
	}

	// ek9e	skpr k	skip if key (register rk) pressed
	skprInstruction = instruction{
		Name: nameX("skpr"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(vm.keyState(vm.registers[regX(opcode)]))
			return nil
		},
	}

	// eka1	skup k	skip if key (register rk) not pressed
	skupInstruction = instruction{
		Name: nameX("skup"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.skipIf(!vm.keyState(vm.registers[regX(opcode)]))
			return nil
		},
	}

	// fr07	gdelay vr	get delay timer into vr
	gdelayInstruction = instruction{
		Name: nameX("gdelay"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.timerMu.Lock()
			vm.registers[regX(opcode)] = vm.delayTimer
			vm.timerMu.Unlock()

			vm.next()
			return nil
		},
	}

	// fr0a	key vr	wait for keypress, put key in register vr
	// The instruction is re-executed on every cycle until a key is down.
	keyInstruction = instruction{
		Name: nameX("key"),
		Execute: func(vm *VM, opcode uint16) error {
			for key := uint8(0); key < KeyCount; key++ {
				if vm.keyState(key) {
					vm.registers[regX(opcode)] = key
					vm.next()
					return nil
				}
			}

			return nil
		},
	}

	// fr15	sdelay vr	set the delay timer to vr
	sdelayInstruction = instruction{
		Name: nameX("sdelay"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.timerMu.Lock()
			vm.delayTimer = vm.registers[regX(opcode)]
			vm.timerMu.Unlock()

			vm.next()
			return nil
		},
	}

	// fr18	ssound vr	set the sound timer to vr
	ssoundInstruction = instruction{
		Name: nameX("ssound"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.timerMu.Lock()
			vm.soundTimer = vm.registers[regX(opcode)]
			vm.timerMu.Unlock()

			vm.next()
			return nil
		},
	}

	// fr1e	adi vr	add register vr to the index register
	adiInstruction = instruction{
		Name: nameX("adi"),
		Execute: func(vm *VM, opcode uint16) error {
			vm.index += uint16(vm.registers[regX(opcode)])
			vm.next()
			return nil
		},
	}

	// fr29	font vr	point I to the sprite for hexadecimal character in vr	Sprite is 5 bytes high
	fontInstruction = instruction{
		Name: nameX("font"),
		Execute: func(vm *VM, opcode uint16) error {
			digit := uint16(vm.registers[regX(opcode)] & 0x0F)
			vm.index = FontStart + digit*FontGlyphSize
			vm.next()
			return nil
		},
	}

	// fr33	bcd vr	store the bcd representation of register vr at location I,I+1,I+2	Doesn't change I
	bcdInstruction = instruction{
		Name: nameX("bcd"),
		Execute: func(vm *VM, opcode uint16) error {
			x := vm.registers[regX(opcode)]

			vm.write(vm.index, x/100)
			vm.write(vm.index+1, (x/10)%10)
			vm.write(vm.index+2, x%10)
			vm.next()
			return nil
		},
	}

	// fr55	str v0-vr	store registers v0-vr at location I onwards	I = I + r + 1
	strInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("str v0-v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			n := regX(opcode)

			for i := uint16(0); i <= n; i++ {
				vm.write(vm.index+i, vm.registers[i])
			}

			vm.index += n + 1
			vm.next()
			return nil
		},
	}

	// fr65	ldr v0-vr	load registers v0-vr from location I onwards	I = I + r + 1
	ldrInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("ldr v0-v%x", regX(opcode))
		},
		Execute: func(vm *VM, opcode uint16) error {
			n := regX(opcode)

			for i := uint16(0); i <= n; i++ {
				vm.registers[i] = vm.read(vm.index + i)
			}

			vm.index += n + 1
			vm.next()
			return nil
		},
	}

	// Undefined opcodes are counted and skipped.
	unknownInstruction = instruction{
		Name: func(opcode uint16) string {
			return fmt.Sprintf("unknown 0x%04X", opcode)
		},
		Execute: func(vm *VM, opcode uint16) error {
			vm.fault(ErrUnknownOpcode, 0)
			vm.next()
			return nil
		},
	}
)

func (vm *VM) keyState(key uint8) bool {
	return vm.host.KeyState(vm, Key(key&0x0F))
}

func getScreenAddr(x, y uint16) uint16 {
	x %= ScreenWidth
	y %= ScreenHeight

	screenAddr := ScreenWidth*y + x
	return screenAddr
}
