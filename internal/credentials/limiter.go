package credentials

import "time"

const minuteWindow = 60 * time.Second

// Usage is the rate-limit accounting for one pooled credential.
type Usage struct {
	Minute   []time.Time `json:"minute"`
	DayCount int         `json:"day_count"`
	DayDate  string      `json:"day_date"`
}

// Limits are a model's per-credential ceilings.
type Limits struct {
	RPM int
	RPD int
}

type Selection struct {
	Index  int
	Cursor int
	Usages []Usage
}

// Select scans every credential once starting at cursor and picks the first
// one with headroom. A credential qualifies when its pruned minute window
// holds fewer than RPM-1 entries and its day count is below RPD-1; the
// limits are treated as exclusive with one slot of safety margin.
//
// Select does not modify usages. The returned table carries the lazily reset
// day counters and pruned windows of every inspected credential, plus the
// recorded request for the chosen one. ok is false when every credential is
// at its ceiling.
func Select(usages []Usage, cursor int, now time.Time, limits Limits) (sel Selection, ok bool) {
	n := len(usages)
	out := copyUsages(usages)
	sel = Selection{Index: -1, Cursor: cursor, Usages: out}
	if n == 0 {
		return sel, false
	}
	if cursor < 0 || cursor >= n {
		cursor = 0
	}

	today := now.Format("2006-01-02")
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		u := &out[idx]

		if u.DayDate != today {
			u.DayCount = 0
			u.DayDate = today
		}
		u.Minute = pruneWindow(u.Minute, now)

		if len(u.Minute) < limits.RPM-1 && u.DayCount < limits.RPD-1 {
			u.Minute = append(u.Minute, now)
			u.DayCount++
			sel.Index = idx
			sel.Cursor = (idx + 1) % n
			return sel, true
		}
	}
	return sel, false
}

func copyUsages(usages []Usage) []Usage {
	out := make([]Usage, len(usages))
	for i, u := range usages {
		out[i] = Usage{
			Minute:   append([]time.Time(nil), u.Minute...),
			DayCount: u.DayCount,
			DayDate:  u.DayDate,
		}
	}
	return out
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	kept := window[:0]
	for _, ts := range window {
		if now.Sub(ts) < minuteWindow {
			kept = append(kept, ts)
		}
	}
	return kept
}
