package hal

import (
	"sync"
	"time"

	"github.com/kapitanov/chip8emu/internal/vm"
)

// DefaultHold is how long a tapped key stays down. Terminals report key
// presses only, so a tap has to outlive a few instruction-clock polls.
const DefaultHold = 150 * time.Millisecond

// Keypad tracks the 16 CHIP-8 keys. Keys are either held (Press/Release,
// for frontends with key-up events) or tapped (Tap, released automatically
// after the hold window).
type Keypad struct {
	mu    sync.Mutex
	hold  time.Duration
	now   func() time.Time
	down  [vm.KeyCount]bool
	until [vm.KeyCount]time.Time
}

func NewKeypad(hold time.Duration) *Keypad {
	return &Keypad{hold: hold, now: time.Now}
}

func (k *Keypad) Press(key vm.Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.down[key&0x0F] = true
}

func (k *Keypad) Release(key vm.Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.down[key&0x0F] = false
	k.until[key&0x0F] = time.Time{}
}

// Tap presses key for the hold window. Tapping again extends the window.
func (k *Keypad) Tap(key vm.Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.until[key&0x0F] = k.now().Add(k.hold)
}

// ReleaseAll lifts every key, e.g. when the window loses focus.
func (k *Keypad) ReleaseAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.down[:])
	clear(k.until[:])
}

// Pressed reports whether key is currently down. It never blocks on
// anything but the keypad's own mutex, so it is safe to call from
// vm.Host.KeyState.
func (k *Keypad) Pressed(key vm.Key) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	key &= 0x0F
	return k.down[key] || k.now().Before(k.until[key])
}

// KeyForRune maps a character to a CHIP-8 key.
func KeyForRune(r rune) (vm.Key, bool) {
	// Physical                Logical
	// ================        =================
	// | 1 | 2 | 3 | 4 |       | 1 | 2 | 3 | C |
	// | q | w | e | r |       | 4 | 5 | 6 | D |
	// | a | s | d | f |  <=>  | 7 | 8 | 9 | E |
	// | z | x | c | v |       | A | 0 | B | F |
	// ================        =================

	switch r {
	case 'x', 'X':
		return vm.Key0, true
	case '1':
		return vm.Key1, true
	case '2':
		return vm.Key2, true
	case '3':
		return vm.Key3, true
	case 'q', 'Q':
		return vm.Key4, true
	case 'w', 'W':
		return vm.Key5, true
	case 'e', 'E':
		return vm.Key6, true
	case 'a', 'A':
		return vm.Key7, true
	case 's', 'S':
		return vm.Key8, true
	case 'd', 'D':
		return vm.Key9, true
	case 'z', 'Z':
		return vm.KeyA, true
	case 'c', 'C':
		return vm.KeyB, true
	case '4':
		return vm.KeyC, true
	case 'r', 'R':
		return vm.KeyD, true
	case 'f', 'F':
		return vm.KeyE, true
	case 'v', 'V':
		return vm.KeyF, true
	default:
		return 0, false
	}
}
