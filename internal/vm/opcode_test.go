package vm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

func TestArithmeticScenario(t *testing.T) {
	m := newTestVM(t, NopHost{},
		0x6A02, // mov va, 2
		0x6B03, // mov vb, 3
		0x8AB4, // add va, vb
	)
	steps(t, m, 3)

	s := m.Snapshot()
	assert.Equal(t, uint8(5), s.V[0xA])
	assert.Equal(t, uint8(3), s.V[0xB])
	assert.Equal(t, uint8(0), s.V[0xF])
	assert.Equal(t, ProgramStart+6, s.PC)
	assert.Equal(t, uint16(0x8AB4), s.Opcode)
}

func TestALU(t *testing.T) {
	for _, c := range []struct {
		opcode   uint16
		x, y     uint8
		want, vf uint8
	}{
		{0x8010, 0x12, 0x34, 0x34, 0xEE},
		{0x8011, 0xF0, 0x0F, 0xFF, 0xEE},
		{0x8012, 0xF3, 0x3F, 0x33, 0xEE},
		{0x8013, 0xFF, 0x0F, 0xF0, 0xEE},

		{0x8014, 1, 2, 3, 0},
		{0x8014, 0xFF, 1, 0, 1},
		{0x8014, 200, 100, 44, 1},
		{0x8014, 0x80, 0x7F, 0xFF, 0},
		{0x8014, 0x80, 0x80, 0, 1},

		{0x8015, 5, 3, 2, 1},
		{0x8015, 3, 3, 0, 1},
		{0x8015, 3, 5, 0xFE, 0},
		{0x8015, 0, 0xFF, 1, 0},

		{0x8016, 0x05, 0x00, 0x02, 1},
		{0x8016, 0x04, 0xFF, 0x02, 0},

		{0x8017, 3, 5, 2, 1},
		{0x8017, 5, 5, 0, 1},
		{0x8017, 5, 3, 0xFE, 0},

		{0x801E, 0x81, 0x00, 0x02, 1},
		{0x801E, 0x41, 0xFF, 0x82, 0},
	} {
		t.Run(fmt.Sprintf("%04x/%02x/%02x", c.opcode, c.x, c.y), func(t *testing.T) {
			m := newTestVM(t, NopHost{},
				0x6000|uint16(c.x),
				0x6100|uint16(c.y),
				0x6FEE,
				c.opcode,
			)
			steps(t, m, 4)

			s := m.Snapshot()
			assert.Equal(t, c.want, s.V[0])
			assert.Equal(t, c.y, s.V[1])
			assert.Equal(t, c.vf, s.V[0xF])
			assert.Equal(t, ProgramStart+8, s.PC)
		})
	}
}

// Exhaustive over all operand pairs.
func TestAddSubFlags(t *testing.T) {
	m := New()
	for x := 0; x < 256; x++ {
		for y := 0; y < 256; y++ {
			m.registers[0], m.registers[1] = uint8(x), uint8(y)
			assert.NoError(t, add2Instruction.Execute(m, 0x8014))
			wantCarry := uint8(0)
			if x+y > 255 {
				wantCarry = 1
			}
			if m.registers[0] != uint8((x+y)&0xFF) || m.registers[0xF] != wantCarry {
				t.Fatalf("add %d+%d: got v0=%d vf=%d", x, y, m.registers[0], m.registers[0xF])
			}

			m.registers[0], m.registers[1] = uint8(x), uint8(y)
			assert.NoError(t, subInstruction.Execute(m, 0x8015))
			wantNoBorrow := uint8(1)
			if y > x {
				wantNoBorrow = 0
			}
			if m.registers[0] != uint8(x-y) || m.registers[0xF] != wantNoBorrow {
				t.Fatalf("sub %d-%d: got v0=%d vf=%d", x, y, m.registers[0], m.registers[0xF])
			}
		}
	}
}

func TestFlagRegisterAsDestination(t *testing.T) {
	m := newTestVM(t, NopHost{},
		0x6FFF, // mov vf, 255
		0x6101, // mov v1, 1
		0x8F14, // add vf, v1
	)
	steps(t, m, 3)

	assert.Equal(t, uint8(1), m.Snapshot().V[0xF])
}

func TestSkips(t *testing.T) {
	for _, c := range []struct {
		opcode uint16
		skip   bool
	}{
		{0x3007, true},
		{0x3008, false},
		{0x4007, false},
		{0x4008, true},
		{0x5010, true},
		{0x5020, false},
		{0x9010, false},
		{0x9020, true},
	} {
		t.Run(fmt.Sprintf("%04x", c.opcode), func(t *testing.T) {
			m := newTestVM(t, NopHost{},
				0x6007, // mov v0, 7
				0x6107, // mov v1, 7
				0x6209, // mov v2, 9
				c.opcode,
			)
			steps(t, m, 4)

			want := ProgramStart + 8
			if c.skip {
				want += 2
			}
			assert.Equal(t, want, m.Snapshot().PC)
		})
	}
}

func TestJumps(t *testing.T) {
	t.Run("jmp", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x1345)
		steps(t, m, 1)
		assert.Equal(t, uint16(0x345), m.Snapshot().PC)
	})

	t.Run("jmi", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x6010, 0xB300)
		steps(t, m, 2)
		assert.Equal(t, uint16(0x310), m.Snapshot().PC)
	})

	t.Run("jmi wraps", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x6010, 0xBFF8)
		steps(t, m, 1)

		err := m.Step()
		assert.True(t, errors.Is(err, ErrMemoryBounds))
		s := m.Snapshot()
		assert.Equal(t, uint16(0x008), s.PC)
		assert.Equal(t, uint64(1), s.Stats.BoundsFaults)
	})

	t.Run("self jump", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x1200)
		steps(t, m, 3)
		s := m.Snapshot()
		assert.Equal(t, ProgramStart, s.PC)
		assert.True(t, s.Looped)
	})
}

func TestCallReturn(t *testing.T) {
	words := make([]uint16, 0x81)
	words[0] = 0x2300    // jsr 0x300
	words[1] = 0x6001    // mov v0, 1
	words[0x80] = 0x00EE // rts at 0x300

	m := newTestVM(t, NopHost{}, words...)
	before := m.Snapshot().SP

	steps(t, m, 1)
	s := m.Snapshot()
	assert.Equal(t, uint16(0x300), s.PC)
	assert.Equal(t, before+1, s.SP)
	assert.Equal(t, ProgramStart, s.Stack[0])

	steps(t, m, 1)
	s = m.Snapshot()
	assert.Equal(t, ProgramStart+2, s.PC)
	assert.Equal(t, before, s.SP)
}

func TestStackFaults(t *testing.T) {
	t.Run("underflow", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x00EE)

		err := m.Step()
		var f *Fault
		assert.True(t, errors.As(err, &f))
		assert.True(t, errors.Is(err, ErrStackUnderflow))
		assert.Equal(t, ProgramStart, f.PC)
		assert.Equal(t, uint16(0x00EE), f.Opcode)

		s := m.Snapshot()
		assert.Equal(t, ProgramStart+2, s.PC)
		assert.Equal(t, uint16(0), s.SP)
		assert.Equal(t, uint64(1), s.Stats.StackFaults)
	})

	t.Run("overflow", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x2200) // calls itself forever
		steps(t, m, StackSize)

		err := m.Step()
		assert.True(t, errors.Is(err, ErrStackOverflow))

		s := m.Snapshot()
		assert.Equal(t, uint16(StackSize), s.SP)
		assert.Equal(t, ProgramStart+2, s.PC)
		assert.Equal(t, uint64(1), s.Stats.StackFaults)
	})
}

func TestDrawScenario(t *testing.T) {
	host := &testHost{}
	m := newTestVM(t, host,
		0x00E0, // cls
		0xA20A, // mvi 0x20a
		0xD011, // sprite v0, v1, 1
		0xD011, // sprite v0, v1, 1
		0x1208, // jmp 0x208
		0xFF00, // sprite data at 0x20a
	)
	steps(t, m, 3)

	s := m.Snapshot()
	for x := 0; x < 8; x++ {
		assert.True(t, s.Pixel(x, 0))
	}
	assert.False(t, s.Pixel(8, 0))
	assert.Equal(t, uint8(0), s.V[0xF])

	steps(t, m, 1)

	s = m.Snapshot()
	for i, p := range s.GFX {
		if p != 0 {
			t.Fatalf("gfx[%d] == %d after second draw", i, p)
		}
	}
	assert.Equal(t, uint8(1), s.V[0xF])

	draws, _ := host.counts()
	assert.Equal(t, 3, draws)
}

func TestDrawBlankSprite(t *testing.T) {
	host := &testHost{}
	m := newTestVM(t, host,
		0xA208, // mvi 0x208
		0xD011, // sprite v0, v1, 1
		0xD011, // sprite v0, v1, 1
		0x1206, // jmp 0x206
		0x0000, // blank sprite data at 0x208
	)
	steps(t, m, 2)
	assert.Equal(t, uint8(0), m.Snapshot().V[0xF])

	steps(t, m, 1)
	s := m.Snapshot()
	assert.Equal(t, uint8(0), s.V[0xF])
	for i, p := range s.GFX {
		if p != 0 {
			t.Fatalf("gfx[%d] == %d after drawing a blank sprite", i, p)
		}
	}

	draws, _ := host.counts()
	assert.Equal(t, 2, draws)
}

func TestDrawWraps(t *testing.T) {
	m := newTestVM(t, NopHost{},
		0x603E, // mov v0, 62
		0x611F, // mov v1, 31
		0xA000, // mvi 0x000 (glyph 0: F0 90 90 90 F0)
		0xD012, // sprite v0, v1, 2
	)
	steps(t, m, 4)

	s := m.Snapshot()
	// Row 0 of the glyph lands on y=31, x=62..65 wrapping to 0..1.
	assert.True(t, s.Pixel(62, 31))
	assert.True(t, s.Pixel(63, 31))
	assert.True(t, s.Pixel(0, 31))
	assert.True(t, s.Pixel(1, 31))
	assert.False(t, s.Pixel(2, 31))
	// Row 1 (0x90) wraps to y=0.
	assert.True(t, s.Pixel(62, 0))
	assert.False(t, s.Pixel(63, 0))
	assert.True(t, s.Pixel(1, 0))
}

func TestRand(t *testing.T) {
	m := newTestVM(t, NopHost{}, 0xC30F)
	steps(t, m, 1)
	assert.Equal(t, uint8(0xA5&0x0F), m.Snapshot().V[3])
}

func TestKeys(t *testing.T) {
	host := &testHost{}
	m := newTestVM(t, host,
		0x6005, // mov v0, 5
		0xE09E, // skpr v0
		0xE0A1, // skup v0
		0xE0A1, // skup v0
	)
	steps(t, m, 2)
	assert.Equal(t, ProgramStart+4, m.Snapshot().PC)

	host.press(Key5, true)
	steps(t, m, 1)
	assert.Equal(t, ProgramStart+6, m.Snapshot().PC)

	host.press(Key5, false)
	steps(t, m, 1)
	assert.Equal(t, ProgramStart+10, m.Snapshot().PC)
}

func TestAwaitKey(t *testing.T) {
	host := &testHost{}
	m := newTestVM(t, host, 0xF30A)

	steps(t, m, 5)
	assert.Equal(t, ProgramStart, m.Snapshot().PC)

	host.press(KeyB, true)
	host.press(KeyD, true)
	steps(t, m, 1)

	s := m.Snapshot()
	assert.Equal(t, ProgramStart+2, s.PC)
	assert.Equal(t, uint8(KeyB), s.V[3])
}

func TestTimerOpcodes(t *testing.T) {
	m := newTestVM(t, NopHost{},
		0x6A0A, // mov va, 10
		0xFA15, // sdelay va
		0xFA18, // ssound va
		0xFB07, // gdelay vb
	)
	steps(t, m, 3)
	m.Tick()
	m.Tick()
	steps(t, m, 1)

	s := m.Snapshot()
	assert.Equal(t, uint8(8), s.V[0xB])
	assert.Equal(t, uint8(8), s.DelayTimer)
	assert.Equal(t, uint8(8), s.SoundTimer)
}

func TestIndexOpcodes(t *testing.T) {
	t.Run("adi", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x6F00, 0x6320, 0xA300, 0xF31E)
		steps(t, m, 4)
		s := m.Snapshot()
		assert.Equal(t, uint16(0x320), s.I)
		assert.Equal(t, uint8(0), s.V[0xF])
	})

	t.Run("font", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x630B, 0xF329)
		steps(t, m, 2)
		assert.Equal(t, FontStart+0xB*FontGlyphSize, m.Snapshot().I)
	})

	t.Run("bcd", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x63FE, 0xA400, 0xF333)
		steps(t, m, 3)
		s := m.Snapshot()
		assert.Equal(t, uint8(2), s.Memory[0x400])
		assert.Equal(t, uint8(5), s.Memory[0x401])
		assert.Equal(t, uint8(4), s.Memory[0x402])
		assert.Equal(t, uint16(0x400), s.I)
	})

	t.Run("str and ldr", func(t *testing.T) {
		m := newTestVM(t, NopHost{},
			0x6011, 0x6122, 0x6233, // v0..v2
			0xA400, // mvi 0x400
			0xF255, // str v0-v2
			0x6000, 0x6100, 0x6200, 0x6344,
			0xA400, // mvi 0x400
			0xF265, // ldr v0-v2
		)
		steps(t, m, 5)
		s := m.Snapshot()
		assert.Equal(t, uint8(0x11), s.Memory[0x400])
		assert.Equal(t, uint8(0x22), s.Memory[0x401])
		assert.Equal(t, uint8(0x33), s.Memory[0x402])
		assert.Equal(t, uint8(0x00), s.Memory[0x403])
		assert.Equal(t, uint16(0x403), s.I)

		steps(t, m, 6)
		s = m.Snapshot()
		assert.Equal(t, uint8(0x11), s.V[0])
		assert.Equal(t, uint8(0x22), s.V[1])
		assert.Equal(t, uint8(0x33), s.V[2])
		assert.Equal(t, uint8(0x44), s.V[3])
		assert.Equal(t, uint16(0x403), s.I)
	})
}

func TestMemoryFaults(t *testing.T) {
	t.Run("reserved write", func(t *testing.T) {
		m := newTestVM(t, NopHost{}, 0x6099, 0xA010, 0xF055)
		steps(t, m, 2)

		err := m.Step()
		assert.True(t, errors.Is(err, ErrMemoryBounds))

		s := m.Snapshot()
		assert.Equal(t, chip8Font[0x10], s.Memory[0x10])
		assert.Equal(t, uint16(0x011), s.I)
		assert.Equal(t, ProgramStart+6, s.PC)
		assert.Equal(t, uint64(1), s.Stats.BoundsFaults)
	})

	t.Run("read wraps", func(t *testing.T) {
		m := newTestVM(t, NopHost{},
			0xAFFF, // mvi 0xfff
			0xF165, // ldr v0-v1
		)
		steps(t, m, 1)

		err := m.Step()
		assert.True(t, errors.Is(err, ErrMemoryBounds))

		s := m.Snapshot()
		assert.Equal(t, uint8(0), s.V[0])
		assert.Equal(t, chip8Font[0], s.V[1])
	})

	t.Run("wrapped write into reserved area", func(t *testing.T) {
		m := newTestVM(t, NopHost{},
			0x60FE, // mov v0, 254
			0xAFFE, // mvi 0xffe
			0xF033, // bcd v0
		)
		steps(t, m, 2)

		err := m.Step()
		assert.True(t, errors.Is(err, ErrMemoryBounds))

		s := m.Snapshot()
		assert.Equal(t, uint8(2), s.Memory[0xFFE])
		assert.Equal(t, uint8(5), s.Memory[0xFFF])
		assert.Equal(t, chip8Font[0], s.Memory[0x000])
		assert.Equal(t, uint64(1), s.Stats.BoundsFaults)
	})
}

func TestUnknownOpcodes(t *testing.T) {
	for _, opcode := range []uint16{0x5121, 0x9129, 0x8008, 0xE000, 0xF0FF} {
		t.Run(fmt.Sprintf("%04x", opcode), func(t *testing.T) {
			m := newTestVM(t, NopHost{}, opcode)

			err := m.Step()
			assert.True(t, errors.Is(err, ErrUnknownOpcode))

			s := m.Snapshot()
			assert.Equal(t, ProgramStart+2, s.PC)
			assert.Equal(t, uint64(1), s.Stats.UnknownOpcodes)
		})
	}
}

func TestSysIsNoop(t *testing.T) {
	m := newTestVM(t, NopHost{}, 0x0123)
	steps(t, m, 1)

	s := m.Snapshot()
	assert.Equal(t, ProgramStart+2, s.PC)
	assert.Equal(t, uint64(0), s.Stats.UnknownOpcodes)
}

func TestSetHandler(t *testing.T) {
	var seen []uint16
	m := newTestVM(t, NopHost{}, 0x6001, 0x6102)
	m.SetHandler(0x6, func(vm *VM, opcode uint16) error {
		seen = append(seen, opcode)
		vm.next()
		return nil
	})
	steps(t, m, 2)

	assert.Equal(t, 2, len(seen))
	assert.Equal(t, uint16(0x6001), seen[0])
	assert.Equal(t, uint16(0x6102), seen[1])
	assert.Equal(t, uint8(0), m.Snapshot().V[0])

	m.Reset()
	m.SetHandler(0x6, nil)
	steps(t, m, 1)
	assert.Equal(t, uint8(1), m.Snapshot().V[0])
}

func TestDisassemble(t *testing.T) {
	for _, c := range []struct {
		opcode uint16
		want   string
	}{
		{0x00E0, "cls"},
		{0x00EE, "rts"},
		{0x0123, "sys 0x0123"},
		{0x1234, "jmp 0x0234"},
		{0x2ABC, "jsr 0x0abc"},
		{0x3A10, "skeq va, 16"},
		{0x5AB0, "skeq va, vb"},
		{0x8AB4, "add va, vb"},
		{0x8A06, "shr va"},
		{0x8AB6, "shr va"},
		{0x8ABE, "shl va"},
		{0x8AB7, "rsb va, vb"},
		{0xD125, "sprite v1, v2, 5"},
		{0xE19E, "skpr v1"},
		{0xF21E, "adi v2"},
		{0xF355, "str v0-v3"},
		{0x5AB1, "unknown 0x5AB1"},
	} {
		assert.Equal(t, c.want, Disassemble(c.opcode))
	}
}
