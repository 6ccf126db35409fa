// Package shinyhal is a native window frontend built on shiny. It needs no
// C libraries beyond what the platform driver uses.
package shinyhal

import (
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"

	"github.com/kapitanov/chip8emu/internal/hal"
	"github.com/kapitanov/chip8emu/internal/vm"
	"golang.org/x/exp/shiny/driver"
	"golang.org/x/exp/shiny/screen"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/mobile/event/key"
	"golang.org/x/mobile/event/lifecycle"
	"golang.org/x/mobile/event/paint"
	"golang.org/x/mobile/event/size"
)

const (
	WindowWidth  = 1024
	WindowHeight = 512
)

var (
	bgColor     = color.RGBA{0x00, 0x00, 0x00, 0xff}
	fgColor     = color.RGBA{0xbe, 0xa7, 0x00, 0xff}
	pausedColor = color.RGBA{0x5f, 0x53, 0x00, 0xff}
)

// Events sent to the window from the signal pump.
type (
	update struct{}
	quit   struct{}
)

type Frontend struct {
	*hal.Base

	// Owned by the window event loop.
	frame *image.RGBA
	buf   screen.Buffer
	sz    size.Event
}

func New() *Frontend {
	return &Frontend{
		Base:  hal.NewBase(hal.NewKeypad(hal.DefaultHold)),
		frame: image.NewRGBA(image.Rect(0, 0, vm.ScreenWidth, vm.ScreenHeight)),
		sz:    size.Event{WidthPx: WindowWidth, HeightPx: WindowHeight},
	}
}

// Run must be called from the main goroutine.
func (f *Frontend) Run(ctx context.Context, m *vm.VM) error {
	var runErr error
	driver.Main(func(s screen.Screen) {
		runErr = f.loop(ctx, s, m)
	})
	return runErr
}

func (f *Frontend) loop(ctx context.Context, s screen.Screen, m *vm.VM) error {
	w, err := s.NewWindow(&screen.NewWindowOptions{
		Title:  "CHIP-8",
		Width:  WindowWidth,
		Height: WindowHeight,
	})
	if err != nil {
		return err
	}
	defer w.Release()
	defer f.release()

	stop := make(chan struct{})
	defer close(stop)
	go f.pump(ctx, w, stop)

	for {
		switch e := w.NextEvent().(type) {
		case quit:
			return nil

		case lifecycle.Event:
			if e.To == lifecycle.StageDead {
				return nil
			}
			if e.Crosses(lifecycle.StageFocused) == lifecycle.CrossOff {
				f.ReleaseAll()
			}

		case size.Event:
			f.sz = e
			if e.WidthPx+e.HeightPx == 0 {
				return nil
			}

		case key.Event:
			err := f.processKey(m, e)
			if errors.Is(err, hal.ErrQuit) {
				return nil
			}
			if err != nil {
				slog.Warn("control failed", "err", err)
			}

		case paint.Event, update:
			if err := f.paint(s, w, m); err != nil {
				return err
			}

		case error:
			slog.Error("hal: window error", "err", e)
		}
	}
}

// pump turns machine signals into window events.
func (f *Frontend) pump(ctx context.Context, w screen.Window, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.Send(quit{})
			return
		case <-f.Redraw():
			w.Send(update{})
		case <-f.Beeps():
			slog.Debug("hal: beep")
		}
	}
}

func (f *Frontend) processKey(m *vm.VM, e key.Event) error {
	if k, ok := keyMap(e.Code); ok {
		switch e.Direction {
		case key.DirPress:
			f.Press(k)
		case key.DirRelease:
			f.Release(k)
		}
		return nil
	}

	if e.Direction != key.DirPress {
		return nil
	}

	c := controlMap(e.Code)
	if c == hal.NoControl {
		return nil
	}
	if err := hal.Apply(m, c); err != nil {
		return err
	}
	f.Draw(m)
	return nil
}

func (f *Frontend) paint(s screen.Screen, w screen.Window, m *vm.VM) error {
	b := f.sz.Bounds()
	if b.Empty() {
		return nil
	}

	if f.buf == nil || f.buf.Size() != b.Size() {
		f.release()
		buf, err := s.NewBuffer(b.Size())
		if err != nil {
			return err
		}
		f.buf = buf
	}

	snap := m.Snapshot()
	render(&snap, f.frame, f.buf.RGBA())

	w.Upload(image.Point{}, f.buf, f.buf.Bounds())
	w.Publish()
	return nil
}

func (f *Frontend) release() {
	if f.buf != nil {
		f.buf.Release()
		f.buf = nil
	}
}

// render paints s into frame at native resolution and scales it onto dst.
func render(s *vm.Snapshot, frame, dst *image.RGBA) {
	fg := fgColor
	if s.Paused {
		fg = pausedColor
	}

	for y := 0; y < vm.ScreenHeight; y++ {
		for x := 0; x < vm.ScreenWidth; x++ {
			c := bgColor
			if s.Pixel(x, y) {
				c = fg
			}
			frame.SetRGBA(x, y, c)
		}
	}

	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)
}

func controlMap(code key.Code) hal.Control {
	switch code {
	case key.CodeEscape:
		return hal.Quit
	case key.CodeDeleteBackspace:
		return hal.Reset
	case key.CodeP:
		return hal.TogglePause
	case key.CodeRightSquareBracket:
		return hal.SpeedUp
	case key.CodeLeftSquareBracket:
		return hal.SlowDown
	default:
		return hal.NoControl
	}
}

func keyMap(code key.Code) (vm.Key, bool) {
	switch code {
	case key.CodeX:
		return vm.Key0, true
	case key.Code1:
		return vm.Key1, true
	case key.Code2:
		return vm.Key2, true
	case key.Code3:
		return vm.Key3, true
	case key.CodeQ:
		return vm.Key4, true
	case key.CodeW:
		return vm.Key5, true
	case key.CodeE:
		return vm.Key6, true
	case key.CodeA:
		return vm.Key7, true
	case key.CodeS:
		return vm.Key8, true
	case key.CodeD:
		return vm.Key9, true
	case key.CodeZ:
		return vm.KeyA, true
	case key.CodeC:
		return vm.KeyB, true
	case key.Code4:
		return vm.KeyC, true
	case key.CodeR:
		return vm.KeyD, true
	case key.CodeF:
		return vm.KeyE, true
	case key.CodeV:
		return vm.KeyF, true
	default:
		return 0, false
	}
}
