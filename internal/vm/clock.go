package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCPUSpeed   = 500 // Hz
	DefaultTimerSpeed = 60  // Hz

	MaxSpeed = int(time.Second) // one tick per nanosecond
)

var (
	ErrStarted      = errors.New("clocks already started")
	ErrClosed       = errors.New("machine closed")
	ErrInvalidSpeed = errors.New("invalid clock speed")
)

// clock hands one tick per period to its executor.
type clock struct {
	name   string
	period atomic.Int64 // nanoseconds
	resume *sync.Cond   // signalled when the clocks leave the paused state
	tick   chan struct{}
}

func (c *clock) init(name string, hz int, mu *sync.Mutex) {
	c.name = name
	c.resume = sync.NewCond(mu)
	c.tick = make(chan struct{})
	_ = c.setSpeed(hz)
}

// CheckSpeed reports whether hz is a usable clock rate.
func CheckSpeed(hz int) error {
	if hz <= 0 || hz > MaxSpeed {
		return fmt.Errorf("%w: %d Hz", ErrInvalidSpeed, hz)
	}
	return nil
}

func (c *clock) setSpeed(hz int) error {
	if err := CheckSpeed(hz); err != nil {
		return err
	}

	c.period.Store(int64(time.Second) / int64(hz))
	return nil
}

func (c *clock) speed() int {
	return int(int64(time.Second) / c.period.Load())
}

func (c *clock) interval() time.Duration {
	return time.Duration(c.period.Load())
}

// scheduler is the clock-driven configuration of the VM: an instruction
// clock and a timer clock, each feeding its own executor goroutine.
type scheduler struct {
	pauseMu sync.Mutex
	paused  bool
	started bool
	closed  bool

	cpuClock   clock
	timerClock clock

	done chan struct{}
	wg   sync.WaitGroup
}

func (vm *VM) initScheduler() {
	vm.paused = true
	vm.done = make(chan struct{})
	vm.cpuClock.init("cpu", DefaultCPUSpeed, &vm.pauseMu)
	vm.timerClock.init("timer", DefaultTimerSpeed, &vm.pauseMu)
}

// Step executes one instruction. The host's Draw is invoked afterwards when
// the instruction changed the display. The returned error, if any, is a
// *Fault; the machine stays usable.
func (vm *VM) Step() error {
	return vm.cycle(false)
}

func (vm *VM) cycle(skipWhenPaused bool) error {
	vm.cpuMu.Lock()
	if skipWhenPaused && vm.Paused() {
		vm.cpuMu.Unlock()
		return nil
	}

	err := vm.step()
	draw := vm.drawFlag
	vm.drawFlag = false
	vm.cpuMu.Unlock()

	if draw {
		vm.host.Draw(vm)
	}
	return err
}

// Start launches the clocks and resumes execution. It fails if the clocks
// were already started or the machine was closed; in that case nothing is
// launched.
func (vm *VM) Start() error {
	vm.pauseMu.Lock()
	switch {
	case vm.closed:
		vm.pauseMu.Unlock()
		return ErrClosed
	case vm.started:
		vm.pauseMu.Unlock()
		return ErrStarted
	}
	vm.started = true
	vm.wg.Add(4)
	vm.pauseMu.Unlock()

	go vm.runClock(&vm.cpuClock)
	go vm.runClock(&vm.timerClock)
	go vm.runCPU()
	go vm.runTimers()

	slog.Info("clocks started", "cpu_hz", vm.CPUSpeed(), "timer_hz", vm.TimerSpeed())
	vm.Resume()
	return nil
}

// Pause stops both clocks. It returns once any instruction or timer tick in
// flight has completed. It must not be called from Host.KeyState.
func (vm *VM) Pause() {
	vm.pauseMu.Lock()
	vm.paused = true
	vm.pauseMu.Unlock()

	// Wait out the instruction and the tick in flight, if any.
	vm.cpuMu.Lock()
	vm.cpuMu.Unlock()
	vm.timerMu.Lock()
	vm.timerMu.Unlock()

	slog.Debug("clocks paused")
}

// Resume restarts both clocks after Pause.
func (vm *VM) Resume() {
	vm.pauseMu.Lock()
	vm.paused = false
	vm.cpuClock.resume.Broadcast()
	vm.timerClock.resume.Broadcast()
	vm.pauseMu.Unlock()

	slog.Debug("clocks resumed")
}

func (vm *VM) Paused() bool {
	vm.pauseMu.Lock()
	defer vm.pauseMu.Unlock()
	return vm.paused
}

// Close stops the clocks and waits for all scheduler goroutines to exit.
// The VM can still be driven with Step and Tick afterwards.
func (vm *VM) Close() error {
	vm.pauseMu.Lock()
	if vm.closed {
		vm.pauseMu.Unlock()
		return nil
	}
	vm.closed = true
	close(vm.done)
	vm.cpuClock.resume.Broadcast()
	vm.timerClock.resume.Broadcast()
	vm.pauseMu.Unlock()

	vm.wg.Wait()
	slog.Debug("clocks stopped")
	return nil
}

func (vm *VM) SetCPUSpeed(hz int) error {
	if err := vm.cpuClock.setSpeed(hz); err != nil {
		return err
	}

	slog.Debug("cpu speed changed", "hz", hz)
	return nil
}

func (vm *VM) CPUSpeed() int {
	return vm.cpuClock.speed()
}

func (vm *VM) SetTimerSpeed(hz int) error {
	if err := vm.timerClock.setSpeed(hz); err != nil {
		return err
	}

	slog.Debug("timer speed changed", "hz", hz)
	return nil
}

func (vm *VM) TimerSpeed() int {
	return vm.timerClock.speed()
}

// awaitRunning blocks while the clocks are paused. It reports false once
// the machine is closed.
func (vm *VM) awaitRunning(c *clock) bool {
	vm.pauseMu.Lock()
	defer vm.pauseMu.Unlock()

	for vm.paused && !vm.closed {
		c.resume.Wait()
	}
	return !vm.closed
}

func (vm *VM) runClock(c *clock) {
	defer vm.wg.Done()
	slog.Debug("clock running", "clock", c.name, "hz", c.speed())

	timer := time.NewTimer(c.interval())
	defer timer.Stop()

	for {
		select {
		case <-vm.done:
			return
		case <-timer.C:
		}

		if !vm.awaitRunning(c) {
			return
		}

		select {
		case c.tick <- struct{}{}:
		case <-vm.done:
			return
		}

		// A new period takes effect here.
		timer.Reset(c.interval())
	}
}

func (vm *VM) runCPU() {
	defer vm.wg.Done()

	for {
		select {
		case <-vm.done:
			return
		case <-vm.cpuClock.tick:
		}

		if err := vm.cycle(true); err != nil {
			slog.Warn("fault", "err", err)
		}
	}
}

func (vm *VM) runTimers() {
	defer vm.wg.Done()

	for {
		select {
		case <-vm.done:
			return
		case <-vm.timerClock.tick:
		}

		vm.timerMu.Lock()
		if vm.Paused() {
			vm.timerMu.Unlock()
			continue
		}
		beep := vm.tick()
		vm.timerMu.Unlock()

		if beep {
			vm.host.Beep(vm)
		}
	}
}
