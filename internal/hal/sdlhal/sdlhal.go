// Package sdlhal is the SDL2 window frontend.
package sdlhal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"github.com/kapitanov/chip8emu/internal/hal"
	"github.com/kapitanov/chip8emu/internal/vm"
	"github.com/veandco/go-sdl2/sdl"
)

const (
	WindowWidth  = 1024
	WindowHeight = 512

	// pollInterval paces the event loop between redraws.
	pollInterval = 1200 * time.Microsecond
)

const (
	bgColor     = uint32(0x000000)
	fgColor     = uint32(0xbea700)
	pausedColor = uint32(0x5f5300)
)

// Frontend renders into an SDL window. All SDL calls happen in Run, which
// must be called from the main OS thread.
type Frontend struct {
	*hal.Base

	window          *sdl.Window
	renderer        *sdl.Renderer
	texture         *sdl.Texture
	backBuffer      []uint32
	backBufferPitch int
	title           string
}

func New() (*Frontend, error) {
	if err := sdl.Init(sdl.INIT_EVERYTHING); err != nil {
		return nil, fmt.Errorf("failed to init sdl: %w", err)
	}

	f := &Frontend{
		Base:            hal.NewBase(hal.NewKeypad(hal.DefaultHold)),
		backBuffer:      make([]uint32, vm.ScreenWidth*vm.ScreenHeight),
		backBufferPitch: int(vm.ScreenWidth) * int(unsafe.Sizeof(uint32(0))),
	}

	var err error
	f.window, err = sdl.CreateWindow("CHIP-8", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, WindowWidth, WindowHeight, sdl.WINDOW_SHOWN)
	if err != nil {
		f.Shutdown()
		return nil, fmt.Errorf("failed to create sdl window: %w", err)
	}
	slog.Debug("hal: create window")
	f.window.Show()

	f.renderer, err = sdl.CreateRenderer(f.window, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		f.Shutdown()
		return nil, fmt.Errorf("failed to create sdl renderer: %w", err)
	}
	if err = f.renderer.SetLogicalSize(WindowWidth, WindowHeight); err != nil {
		f.Shutdown()
		return nil, fmt.Errorf("failed to resize sdl renderer: %w", err)
	}
	slog.Debug("hal: create renderer")

	f.texture, err = f.renderer.CreateTexture(sdl.PIXELFORMAT_ARGB8888, sdl.TEXTUREACCESS_STREAMING, vm.ScreenWidth, vm.ScreenHeight)
	if err != nil {
		f.Shutdown()
		return nil, fmt.Errorf("failed to create sdl texture: %w", err)
	}
	slog.Debug("hal: create texture")

	return f, nil
}

// Shutdown releases whatever New managed to create.
func (f *Frontend) Shutdown() {
	if f.texture != nil {
		if err := f.texture.Destroy(); err != nil {
			slog.Error("failed to destroy sdl texture", "err", err)
		}
	}

	if f.renderer != nil {
		if err := f.renderer.Destroy(); err != nil {
			slog.Error("failed to destroy sdl renderer", "err", err)
		}
	}

	if f.window != nil {
		if err := f.window.Destroy(); err != nil {
			slog.Error("failed to destroy sdl window", "err", err)
		}
	}

	sdl.Quit()
}

func (f *Frontend) Run(ctx context.Context, m *vm.VM) error {
	if err := f.render(m); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := f.readInput(m); err != nil {
			if errors.Is(err, hal.ErrQuit) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-f.Redraw():
			if err := f.render(m); err != nil {
				return err
			}
		case <-f.Beeps():
			slog.Debug("hal: beep")
		case <-ticker.C:
		}
	}
}

func (f *Frontend) readInput(m *vm.VM) error {
	for e := sdl.PollEvent(); e != nil; e = sdl.PollEvent() {
		switch e.GetType() {
		case sdl.QUIT:
			return hal.Apply(m, hal.Quit)

		case sdl.KEYDOWN:
			if err := f.processKeyDown(m, e.(*sdl.KeyboardEvent)); err != nil {
				return err
			}

		case sdl.KEYUP:
			if key, ok := keyMap(e.(*sdl.KeyboardEvent)); ok {
				f.Release(key)
			}

		case sdl.WINDOWEVENT:
			if e.(*sdl.WindowEvent).Event == sdl.WINDOWEVENT_FOCUS_LOST {
				f.ReleaseAll()
			}
		}
	}

	return nil
}

func (f *Frontend) processKeyDown(m *vm.VM, e *sdl.KeyboardEvent) error {
	if key, ok := keyMap(e); ok {
		f.Press(key)
		return nil
	}

	if e.Repeat != 0 {
		return nil
	}

	c := controlMap(e)
	if c == hal.NoControl {
		return nil
	}
	if err := hal.Apply(m, c); err != nil {
		return err
	}

	// Pausing changes the palette.
	return f.render(m)
}

func controlMap(e *sdl.KeyboardEvent) hal.Control {
	switch e.Keysym.Scancode {
	case sdl.SCANCODE_ESCAPE:
		return hal.Quit
	case sdl.SCANCODE_BACKSPACE:
		return hal.Reset
	case sdl.SCANCODE_P:
		return hal.TogglePause
	case sdl.SCANCODE_RIGHTBRACKET:
		return hal.SpeedUp
	case sdl.SCANCODE_LEFTBRACKET:
		return hal.SlowDown
	default:
		return hal.NoControl
	}
}

// keyMap maps physical key positions, so the layout works regardless of the
// keyboard's language.
func keyMap(e *sdl.KeyboardEvent) (vm.Key, bool) {
	switch e.Keysym.Scancode {
	case sdl.SCANCODE_X:
		return vm.Key0, true
	case sdl.SCANCODE_1:
		return vm.Key1, true
	case sdl.SCANCODE_2:
		return vm.Key2, true
	case sdl.SCANCODE_3:
		return vm.Key3, true
	case sdl.SCANCODE_Q:
		return vm.Key4, true
	case sdl.SCANCODE_W:
		return vm.Key5, true
	case sdl.SCANCODE_E:
		return vm.Key6, true
	case sdl.SCANCODE_A:
		return vm.Key7, true
	case sdl.SCANCODE_S:
		return vm.Key8, true
	case sdl.SCANCODE_D:
		return vm.Key9, true
	case sdl.SCANCODE_Z:
		return vm.KeyA, true
	case sdl.SCANCODE_C:
		return vm.KeyB, true
	case sdl.SCANCODE_4:
		return vm.KeyC, true
	case sdl.SCANCODE_R:
		return vm.KeyD, true
	case sdl.SCANCODE_F:
		return vm.KeyE, true
	case sdl.SCANCODE_V:
		return vm.KeyF, true
	default:
		return 0, false
	}
}

func (f *Frontend) render(m *vm.VM) error {
	s := m.Snapshot()

	fg := fgColor
	if s.Paused {
		fg = pausedColor
	}
	for i, p := range s.GFX {
		color := bgColor
		if p != 0 {
			color = fg
		}
		f.backBuffer[i] = color
	}

	backBufferPtr := unsafe.Pointer(&f.backBuffer[0])
	if err := f.texture.Update(nil, backBufferPtr, f.backBufferPitch); err != nil {
		return fmt.Errorf("failed to update sdl texture: %w", err)
	}

	if err := f.renderer.Clear(); err != nil {
		return fmt.Errorf("failed to clear sdl renderer: %w", err)
	}

	if err := f.renderer.Copy(f.texture, nil, nil); err != nil {
		return fmt.Errorf("failed to copy sdl texture to renderer: %w", err)
	}

	f.renderer.Present()

	if title := windowTitle(&s); title != f.title {
		f.window.SetTitle(title)
		f.title = title
	}
	return nil
}

func windowTitle(s *vm.Snapshot) string {
	title := fmt.Sprintf("CHIP-8 - %d Hz", s.CPUSpeed)
	if s.Paused {
		title += " [paused]"
	}
	return title
}
