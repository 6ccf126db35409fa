package vm

import (
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

func setTimers(m *VM, delay, sound uint8) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.delayTimer = delay
	m.soundTimer = sound
}

func TestTickDelay(t *testing.T) {
	for _, c := range []struct {
		delay uint8
		ticks int
	}{
		{0, 0},
		{0, 3},
		{5, 3},
		{5, 5},
		{5, 9},
		{255, 300},
	} {
		m := New()
		setTimers(m, c.delay, 0)
		for i := 0; i < c.ticks; i++ {
			m.Tick()
		}

		want := max(0, int(c.delay)-c.ticks)
		s := m.Snapshot()
		assert.Equal(t, uint8(want), s.DelayTimer)
		assert.Equal(t, uint64(c.ticks), s.Stats.Ticks)
	}
}

func TestTickBeep(t *testing.T) {
	t.Run("fires once on expiry", func(t *testing.T) {
		host := &testHost{}
		m := New(WithHost(host))
		setTimers(m, 0, 3)

		for i := 0; i < 2; i++ {
			m.Tick()
		}
		_, beeps := host.counts()
		assert.Equal(t, 0, beeps)

		for i := 0; i < 5; i++ {
			m.Tick()
		}
		_, beeps = host.counts()
		assert.Equal(t, 1, beeps)
		assert.Equal(t, uint8(0), m.Snapshot().SoundTimer)
	})

	t.Run("not on assignment", func(t *testing.T) {
		host := &testHost{}
		m := newTestVM(t, host, 0x6001, 0xF018) // ssound v0 with v0 = 1
		steps(t, m, 2)

		_, beeps := host.counts()
		assert.Equal(t, 0, beeps)

		m.Tick()
		_, beeps = host.counts()
		assert.Equal(t, 1, beeps)
	})

	t.Run("silent timer", func(t *testing.T) {
		host := &testHost{}
		m := New(WithHost(host))
		for i := 0; i < 10; i++ {
			m.Tick()
		}
		_, beeps := host.counts()
		assert.Equal(t, 0, beeps)
	})
}
