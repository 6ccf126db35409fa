// Package termhal is the terminal frontend. The display is drawn with half
// blocks, two CHIP-8 rows per terminal row, next to a register pane and a
// log pane.
package termhal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/kapitanov/chip8emu/internal/hal"
	"github.com/kapitanov/chip8emu/internal/vm"
	"github.com/rivo/tview"
)

const (
	frameInterval = time.Second / 30

	// The register pane changes without redraw signals (timers, pc), so it
	// is refreshed every few frames regardless.
	statsEvery = 5

	displayWidth  = vm.ScreenWidth + 2
	displayHeight = vm.ScreenHeight/2 + 2
	registerWidth = 26
)

var (
	onColor  = tcell.NewHexColor(0xbea700)
	offColor = tcell.ColorBlack
)

type Frontend struct {
	*hal.Base

	screen    tcell.Screen
	app       *tview.Application
	display   *tview.Box
	registers *tview.TextView
	log       *tview.TextView

	// Owned by the application goroutine.
	snap vm.Snapshot
}

// New takes over the terminal right away. Call Shutdown to give it back,
// whether or not Run was reached.
func New() (*Frontend, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal screen: %w", err)
	}

	return newFrontend(screen), nil
}

func newFrontend(screen tcell.Screen) *Frontend {
	f := &Frontend{
		Base:   hal.NewBase(hal.NewKeypad(hal.DefaultHold)),
		screen: screen,
		app:    tview.NewApplication(),
		display: tview.NewBox().
			SetBorder(true).
			SetTitle(" CHIP-8 "),
		registers: tview.NewTextView().
			SetWrap(false),
		log: tview.NewTextView().
			SetMaxLines(1000),
	}
	f.display.SetDrawFunc(func(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
		drawDisplay(screen, x+1, y+1, width-2, height-2, &f.snap)
		return x + 1, y + 1, width - 2, height - 2
	})
	f.registers.SetBorder(true).SetTitle(" CPU ")
	f.log.SetChangedFunc(func() { f.app.Draw() })

	cols := tview.NewFlex().
		AddItem(f.display, displayWidth, 0, false).
		AddItem(f.registers, registerWidth, 0, false)
	rows := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(cols, displayHeight, 0, false).
		AddItem(f.log, 0, 1, false)

	f.app.SetScreen(screen).SetRoot(rows, true)
	return f
}

// Shutdown restores the terminal. It is safe to call after Run returned.
func (f *Frontend) Shutdown() {
	f.app.Stop()
}

// LogWriter is where log output belongs while the terminal is taken over.
func (f *Frontend) LogWriter() io.Writer {
	return f.log
}

func (f *Frontend) Run(ctx context.Context, m *vm.VM) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		return f.handleKey(m, ev)
	})
	f.update(m)
	go f.refresh(ctx, m)

	if err := f.app.Run(); err != nil {
		return fmt.Errorf("terminal ui failed: %w", err)
	}
	return nil
}

func (f *Frontend) refresh(ctx context.Context, m *vm.VM) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	dirty := true
	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			f.app.Stop()
			return
		case <-f.Beeps():
			f.app.QueueUpdate(func() {
				if err := f.screen.Beep(); err != nil {
					slog.Debug("hal: beep failed", "err", err)
				}
			})
		case <-f.Redraw():
			dirty = true
		case <-ticker.C:
			if dirty || frame%statsEvery == 0 {
				f.update(m)
				dirty = false
			}
		}
	}
}

func (f *Frontend) update(m *vm.VM) {
	s := m.Snapshot()
	text := registersText(&s)
	f.app.QueueUpdateDraw(func() {
		f.snap = s
		f.registers.SetText(text)
	})
}

func (f *Frontend) handleKey(m *vm.VM, ev *tcell.EventKey) *tcell.EventKey {
	c := hal.NoControl
	switch ev.Key() {
	case tcell.KeyEscape:
		c = hal.Quit
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		c = hal.Reset
	case tcell.KeyRune:
		if key, ok := hal.KeyForRune(ev.Rune()); ok {
			f.Tap(key)
			return nil
		}
		c = hal.ControlForRune(ev.Rune())
	default:
		return ev
	}

	if err := hal.Apply(m, c); err != nil {
		if errors.Is(err, hal.ErrQuit) {
			f.app.Stop()
			return nil
		}
		slog.Warn("control failed", "err", err)
	}

	// Controls change what the panes show.
	f.Draw(m)
	return nil
}

// drawDisplay renders s into the given cell rectangle. Each cell shows two
// pixels: the upper half block takes the top pixel as its foreground and
// the bottom pixel as its background.
func drawDisplay(screen tcell.Screen, x, y, width, height int, s *vm.Snapshot) {
	for row := 0; row < vm.ScreenHeight/2 && row < height; row++ {
		for col := 0; col < vm.ScreenWidth && col < width; col++ {
			style := tcell.StyleDefault.
				Foreground(pixelColor(s.Pixel(col, 2*row))).
				Background(pixelColor(s.Pixel(col, 2*row+1)))
			screen.SetContent(x+col, y+row, '▀', nil, style)
		}
	}
}

func pixelColor(on bool) tcell.Color {
	if on {
		return onColor
	}
	return offColor
}

func registersText(s *vm.Snapshot) string {
	var b strings.Builder

	for i := 0; i < vm.RegisterCount; i += 2 {
		fmt.Fprintf(&b, " V%X #%02X    V%X #%02X\n", i, s.V[i], i+1, s.V[i+1])
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, " CPU %d Hz\n", s.CPUSpeed)
	fmt.Fprintf(&b, " TMR %d Hz\n", s.TimerSpeed)
	fmt.Fprintf(&b, " DT #%02X  ST #%02X\n", s.DelayTimer, s.SoundTimer)
	fmt.Fprintf(&b, " PC #%04X\n", s.PC)
	fmt.Fprintf(&b, "  I #%04X\n", s.I)
	fmt.Fprintf(&b, " SP #%02X\n", s.SP)
	fmt.Fprintf(&b, " %s\n", vm.Disassemble(s.Opcode))
	b.WriteByte('\n')
	fmt.Fprintf(&b, " cycles %d\n", s.Stats.Cycles)
	fmt.Fprintf(&b, " faults %d\n", s.Stats.UnknownOpcodes+s.Stats.BoundsFaults+s.Stats.StackFaults)

	switch {
	case s.Paused:
		b.WriteString(" [paused]\n")
	case s.Looped:
		b.WriteString(" [halted]\n")
	}
	return b.String()
}
