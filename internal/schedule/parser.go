package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	numberPattern        = regexp.MustCompile(`\d+`)
	clockPattern         = regexp.MustCompile(`^\d{1,2}:\d{2}$`)
	embeddedClockPattern = regexp.MustCompile(`\d{1,2}:\d{2}`)
	timesPattern         = regexp.MustCompile(`(\d+)\s*times?`)
)

// namedSlots maps the prescription vocabulary to canonical HH:MM slots.
// The hours match what doctors and patients see in the product: morning 8am,
// afternoon 2pm, evening 6pm, night 8pm.
var namedSlots = map[string]string{
	"morning":   "08:00",
	"afternoon": "14:00",
	"evening":   "18:00",
	"night":     "20:00",
}

// leadingInt extracts the first integer embedded in free text ("500mg" -> 500,
// "2 tablets" -> 2). Returns false when no digits are present.
func leadingInt(s string) (int, bool) {
	match := numberPattern.FindString(s)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseDurationDays turns a free-text duration ("5 days", "2 weeks", "1 month")
// into a day count. Unknown units and unparseable strings report ok=false and
// the caller applies the 7-day default.
func parseDurationDays(duration string) (int, bool) {
	d := strings.ToLower(strings.TrimSpace(duration))
	if d == "" {
		return 0, false
	}

	n, found := leadingInt(d)
	if !found {
		return 0, false
	}

	switch {
	case strings.Contains(d, "day"):
		return n, true
	case strings.Contains(d, "week"):
		return n * 7, true
	case strings.Contains(d, "month"):
		return n * 30, true
	default:
		return 0, false
	}
}

// slotsFromTiming resolves the explicit timing list. Named slots map to their
// canonical hour, HH:MM entries pass through, anything else is silently
// dropped (free text such as "with breakfast" is not an error).
func slotsFromTiming(timing []string) []string {
	var slots []string
	for _, entry := range timing {
		e := strings.ToLower(strings.TrimSpace(entry))
		if canonical, ok := namedSlots[e]; ok {
			slots = append(slots, canonical)
			continue
		}
		if clockPattern.MatchString(e) {
			slots = append(slots, normalizeClock(e))
		}
	}
	return dedupeSorted(slots)
}

// slotsFromFrequency infers daily slots from the frequency text when the
// timing list is empty: named slot words first, then embedded HH:MM values,
// then dose-count keywords mapped to canonical times.
func slotsFromFrequency(frequency string) []string {
	f := strings.ToLower(strings.TrimSpace(frequency))
	if f == "" {
		return nil
	}

	var slots []string
	for word, canonical := range namedSlots {
		if strings.Contains(f, word) {
			slots = append(slots, canonical)
		}
	}
	if len(slots) > 0 {
		return dedupeSorted(slots)
	}

	if clocks := embeddedClockPattern.FindAllString(f, -1); len(clocks) > 0 {
		for _, c := range clocks {
			slots = append(slots, normalizeClock(c))
		}
		return dedupeSorted(slots)
	}

	if n := slotCountFromFrequency(f); n > 0 {
		return canonicalSlots(n)
	}

	return nil
}

// slotCountFromFrequency maps dose-count vocabulary (including the clinical
// shorthand bid/tid/qid and every-N-hours phrasing) to doses per day.
func slotCountFromFrequency(f string) int {
	switch {
	case strings.Contains(f, "four") || strings.Contains(f, "qid") ||
		strings.Contains(f, "every 6 hour") || strings.Contains(f, "6 hourly"):
		return 4
	case strings.Contains(f, "thrice") || strings.Contains(f, "three") ||
		strings.Contains(f, "tid") ||
		strings.Contains(f, "every 8 hour") || strings.Contains(f, "8 hourly"):
		return 3
	case strings.Contains(f, "twice") || strings.Contains(f, "bid") ||
		strings.Contains(f, "every 12 hour") || strings.Contains(f, "12 hourly"):
		return 2
	case strings.Contains(f, "once") || strings.Contains(f, "daily") ||
		strings.Contains(f, "every 24 hour") || strings.Contains(f, "24 hourly"):
		return 1
	}

	if m := timesPattern.FindStringSubmatch(f); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}

	return 0
}

// canonicalSlots returns the standard slot set for n doses per day. One to
// four doses use the product's fixed hours; larger counts are spread evenly
// across the day.
func canonicalSlots(n int) []string {
	switch n {
	case 1:
		return []string{"08:00"}
	case 2:
		return []string{"08:00", "20:00"}
	case 3:
		return []string{"08:00", "14:00", "20:00"}
	case 4:
		return []string{"00:00", "06:00", "12:00", "18:00"}
	}

	slots := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hour := i * 24 / n
		slots = append(slots, fmt.Sprintf("%02d:00", hour))
	}
	return dedupeSorted(slots)
}

// frequencyMultiplier is the doses-per-day factor used when tablets per day
// must be derived from the dosage text.
func frequencyMultiplier(frequency string) int {
	f := strings.ToLower(frequency)
	switch {
	case strings.Contains(f, "four") || strings.Contains(f, "qid"):
		return 4
	case strings.Contains(f, "thrice") || strings.Contains(f, "three") || strings.Contains(f, "tid"):
		return 3
	case strings.Contains(f, "twice") || strings.Contains(f, "bid"):
		return 2
	default:
		return 1
	}
}

func normalizeClock(clock string) string {
	parts := strings.SplitN(clock, ":", 2)
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	if h > 23 {
		h = 23
	}
	if m > 59 {
		m = 59
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func dedupeSorted(slots []string) []string {
	if len(slots) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(slots))
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// distributeTablets splits a daily tablet count across slots as evenly as
// possible, assigning the remainder to the earliest slots.
func distributeTablets(tabletsPerDay, slotCount int) []int {
	if slotCount <= 0 {
		return nil
	}

	base := tabletsPerDay / slotCount
	remainder := tabletsPerDay % slotCount

	counts := make([]int, slotCount)
	for i := range counts {
		counts[i] = base
		if i < remainder {
			counts[i]++
		}
	}
	return counts
}
