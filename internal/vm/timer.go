package vm

// Tick advances the delay and sound timers by one step. The host's Beep is
// invoked when the sound timer runs out.
func (vm *VM) Tick() {
	vm.timerMu.Lock()
	beep := vm.tick()
	vm.timerMu.Unlock()

	if beep {
		vm.host.Beep(vm)
	}
}

func (vm *VM) tick() (beep bool) {
	vm.ticks++

	if vm.delayTimer > 0 {
		vm.delayTimer--
	}

	if vm.soundTimer > 0 {
		beep = vm.soundTimer == 1
		vm.soundTimer--
	}

	return beep
}
