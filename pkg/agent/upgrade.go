package agent

import (
	"strings"
	"sync"
	"time"
)

// upgradeTable tracks vendors that keep producing low-confidence L1
// outcomes. Once a vendor accumulates the configured streak inside the
// cooldown window, its next classifications skip L1 and go straight to L2
// until the force window lapses.
type upgradeTable struct {
	streak   int
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	vendors map[string]*vendorTrack
}

type vendorTrack struct {
	lowCount   int
	lastLowAt  time.Time
	forceUntil time.Time
}

func newUpgradeTable(streak int, cooldown time.Duration) *upgradeTable {
	if streak <= 0 {
		streak = 3
	}
	return &upgradeTable{
		streak:   streak,
		cooldown: cooldown,
		now:      time.Now,
		vendors:  map[string]*vendorTrack{},
	}
}

func vendorKey(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

// active reports whether the vendor is currently forced onto the L2 path.
func (u *upgradeTable) active(vendor string) bool {
	key := vendorKey(vendor)
	if key == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.vendors[key]
	return ok && u.now().Before(t.forceUntil)
}

// recordLow counts one low-confidence outcome. Streaks older than the
// cooldown restart instead of accumulating forever.
func (u *upgradeTable) recordLow(vendor string) {
	key := vendorKey(vendor)
	if key == "" {
		return
	}
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()

	t := u.vendors[key]
	if t == nil {
		t = &vendorTrack{}
		u.vendors[key] = t
	}
	if u.cooldown > 0 && !t.lastLowAt.IsZero() && now.Sub(t.lastLowAt) > u.cooldown {
		t.lowCount = 0
	}
	t.lowCount++
	t.lastLowAt = now
	if t.lowCount >= u.streak {
		t.forceUntil = now.Add(u.cooldown)
		t.lowCount = 0
	}
}

// recordGood resets the vendor's streak after a confident outcome.
func (u *upgradeTable) recordGood(vendor string) {
	key := vendorKey(vendor)
	if key == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.vendors[key]; ok {
		t.lowCount = 0
	}
}
