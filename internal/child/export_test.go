package child

import "time"

// SetNowFunc replaces the clock the restart cooldown window is
// measured against.
func (in *Instance) SetNowFunc(now func() time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.now = now
}
