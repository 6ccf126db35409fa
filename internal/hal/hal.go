// Package hal holds what the frontends share: the keypad, redraw and beep
// signalling and the runtime controls.
package hal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kapitanov/chip8emu/internal/vm"
)

var ErrQuit = errors.New("quit")

// Frontend is a vm.Host that also owns the user interface loop.
type Frontend interface {
	vm.Host

	// Run drives the user interface until the user quits or ctx is done.
	// It returns nil on a regular quit.
	Run(ctx context.Context, m *vm.VM) error
}

// Base implements vm.Host on top of a Keypad. Draw and Beep only raise a
// signal; the frontend's own loop picks it up and renders from a snapshot.
// Signals coalesce, so a slow frontend never stalls the machine.
type Base struct {
	*Keypad

	redraw chan struct{}
	beep   chan struct{}
}

func NewBase(keypad *Keypad) *Base {
	return &Base{
		Keypad: keypad,
		redraw: make(chan struct{}, 1),
		beep:   make(chan struct{}, 1),
	}
}

func (b *Base) Draw(*vm.VM) {
	signal(b.redraw)
}

func (b *Base) KeyState(_ *vm.VM, key vm.Key) bool {
	return b.Pressed(key)
}

func (b *Base) Beep(*vm.VM) {
	signal(b.beep)
}

// Redraw is signalled after the display changed.
func (b *Base) Redraw() <-chan struct{} {
	return b.redraw
}

// Beeps is signalled when the sound timer expires.
func (b *Base) Beeps() <-chan struct{} {
	return b.beep
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type Control int

const (
	NoControl Control = iota
	TogglePause
	Reset
	SpeedUp
	SlowDown
	Quit
)

// SpeedStep is the CPU speed change applied by SpeedUp and SlowDown.
const SpeedStep = 100 // Hz

// ControlForRune maps the printable control keys. Quit and Reset are bound
// to Esc and Backspace by each frontend, since letters belong to the keypad.
func ControlForRune(r rune) Control {
	switch r {
	case 'p', 'P':
		return TogglePause
	case ']':
		return SpeedUp
	case '[':
		return SlowDown
	default:
		return NoControl
	}
}

// Apply performs c on m. It returns ErrQuit for Quit.
func Apply(m *vm.VM, c Control) error {
	switch c {
	case TogglePause:
		if m.Paused() {
			m.Resume()
		} else {
			m.Pause()
		}
		slog.Info("pause toggled", "paused", m.Paused())

	case Reset:
		m.Reset()

	case SpeedUp, SlowDown:
		hz := m.CPUSpeed() + SpeedStep
		if c == SlowDown {
			hz = max(SpeedStep, m.CPUSpeed()-SpeedStep)
		}
		if err := m.SetCPUSpeed(hz); err != nil {
			return err
		}
		slog.Info("cpu speed changed", "hz", m.CPUSpeed())

	case Quit:
		slog.Debug("hal: exit requested")
		return ErrQuit
	}

	return nil
}
