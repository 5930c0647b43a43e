package asyncrt

// Manager lets a subsystem that lives outside the core loop package — an
// operation queue, a connection pool, the task scheduler — report whether
// it still has outstanding work. The loop consults every registered
// Manager once per tick and, when idle-stop is enabled (see [WithIdleStop]),
// to decide whether it is safe to stop.
type Manager interface {
	// HasWork reports whether the manager has in-flight or pending work
	// that should keep the loop from being considered idle.
	HasWork() bool
}

// RegisterManager adds m to the set of managers the loop advances each
// tick and consults for idle-stop. Safe to call from any goroutine,
// including before Run. Registering the same Manager twice consults it
// twice, which is harmless but wasteful — callers should register once per
// constructed subsystem.
func (l *Loop) RegisterManager(m Manager) {
	if m == nil {
		return
	}
	l.managersMu.Lock()
	l.managers = append(l.managers, m)
	l.managersMu.Unlock()
}

// managersSnapshot copies the current manager list under lock, so callers
// can range over it without holding managersMu (a Manager's HasWork may
// itself touch loop state that takes other locks).
func (l *Loop) managersSnapshot() []Manager {
	l.managersMu.Lock()
	defer l.managersMu.Unlock()
	if len(l.managers) == 0 {
		return nil
	}
	out := make([]Manager, len(l.managers))
	copy(out, l.managers)
	return out
}

// advanceManagers gives every registered manager a synchronous checkpoint
// once per tick, corresponding to the reactor's "advance HTTP engine / file
// queue / database queue" steps. Those managers run their actual blocking
// work off the loop goroutine and deliver results back via
// SubmitInternal/Promisify, same as before this checkpoint existed; what
// the checkpoint adds is a place the loop (and idle-stop) can observe
// whether that work is done.
func (l *Loop) advanceManagers() {
	for _, m := range l.managersSnapshot() {
		_ = m.HasWork()
	}
}

// managersHaveWork reports whether any registered manager still has
// outstanding work.
func (l *Loop) managersHaveWork() bool {
	for _, m := range l.managersSnapshot() {
		if m.HasWork() {
			return true
		}
	}
	return false
}
