package tasks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerWeek = 7 * secondsPerDay
)

// windowExpr matches "[days] HH:MM-[day] HH:MM".
var windowExpr = regexp.MustCompile(`^(?:(\S+)\s+)?(\d{1,2}:\d{2})\s*-\s*(?:(\S+)\s+)?(\d{1,2}:\d{2})$`)

// span is a half-open range of seconds counted from Sunday 00:00.
type span struct {
	from, to int
	expr     string
}

func (s span) contains(sec int) bool {
	return sec >= s.from && sec < s.to
}

// Schedule decides whether brokers may be stopped at a given time. Deny
// windows win over allow windows; with no allow window every time outside a
// deny window is allowed.
type Schedule struct {
	allow []span
	deny  []span
}

// ParseSchedule parses ';'-separated window expressions such as
// "mon-fri 22:00-06:00" or "sat 00:00-sun 23:59". A leading '!' marks a deny
// window. Days accept "*", names, ranges and comma lists.
func ParseSchedule(list string) (*Schedule, error) {
	s := &Schedule{}
	for _, raw := range strings.Split(list, ";") {
		expr := strings.TrimSpace(raw)
		if expr == "" {
			continue
		}
		deny := strings.HasPrefix(expr, "!")
		expr = strings.TrimSpace(strings.TrimPrefix(expr, "!"))
		spans, err := parseWindow(expr)
		if err != nil {
			return nil, err
		}
		if deny {
			s.deny = append(s.deny, spans...)
		} else {
			s.allow = append(s.allow, spans...)
		}
	}
	if len(s.allow) == 0 && len(s.deny) == 0 {
		return nil, fmt.Errorf("no window in %q", list)
	}
	return s, nil
}

// Allows reports whether t falls in an allowed window, and the expression
// that decided it.
func (s *Schedule) Allows(t time.Time) (bool, string) {
	sec := int(t.Weekday())*secondsPerDay + t.Hour()*3600 + t.Minute()*60 + t.Second()
	for _, d := range s.deny {
		if d.contains(sec) {
			return false, "denied by " + d.expr
		}
	}
	if len(s.allow) == 0 {
		return true, ""
	}
	for _, a := range s.allow {
		if a.contains(sec) {
			return true, a.expr
		}
	}
	return false, "no allow window matches"
}

func parseWindow(expr string) ([]span, error) {
	m := windowExpr.FindStringSubmatch(strings.ToLower(expr))
	if m == nil {
		return nil, fmt.Errorf("invalid window %q (expected \"[days] HH:MM-[day] HH:MM\")", expr)
	}
	startDays := allDays()
	if m[1] != "" {
		var err error
		if startDays, err = parseDays(m[1]); err != nil {
			return nil, fmt.Errorf("window %q: %w", expr, err)
		}
	}
	start, err := parseClock(m[2])
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", expr, err)
	}
	end, err := parseClock(m[4])
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", expr, err)
	}

	var spans []span
	if m[3] != "" {
		endDays, err := parseDays(m[3])
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", expr, err)
		}
		if len(startDays) != 1 || len(endDays) != 1 {
			return nil, fmt.Errorf("window %q: an end day needs exactly one start and end day", expr)
		}
		from := int(startDays[0])*secondsPerDay + start
		to := int(endDays[0])*secondsPerDay + end
		for to <= from {
			to += secondsPerWeek
		}
		return wrapWeek(spans, from, to, expr), nil
	}

	for _, day := range startDays {
		from := int(day)*secondsPerDay + start
		to := int(day)*secondsPerDay + end
		if to <= from {
			to += secondsPerDay
		}
		spans = wrapWeek(spans, from, to, expr)
	}
	return spans, nil
}

// wrapWeek appends [from, to), splitting it when it runs past Saturday midnight.
func wrapWeek(spans []span, from, to int, expr string) []span {
	if to <= secondsPerWeek {
		return append(spans, span{from: from, to: to, expr: expr})
	}
	return append(spans,
		span{from: from, to: secondsPerWeek, expr: expr},
		span{from: 0, to: to - secondsPerWeek, expr: expr},
	)
}

func allDays() []time.Weekday {
	return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
}

func parseDays(list string) ([]time.Weekday, error) {
	if list == "*" {
		return allDays(), nil
	}
	var days []time.Weekday
	seen := make(map[time.Weekday]bool)
	add := func(d time.Weekday) {
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	for _, part := range strings.Split(list, ",") {
		first, last, isRange := strings.Cut(part, "-")
		from, ok := weekday(first)
		if !ok {
			return nil, fmt.Errorf("unknown day %q", first)
		}
		if !isRange {
			add(from)
			continue
		}
		to, ok := weekday(last)
		if !ok {
			return nil, fmt.Errorf("unknown day %q", last)
		}
		for d := from; ; d = (d + 1) % 7 {
			add(d)
			if d == to {
				break
			}
		}
	}
	return days, nil
}

func weekday(name string) (time.Weekday, bool) {
	name = strings.TrimSpace(name)
	if len(name) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if strings.HasPrefix(full, name) {
			return d, true
		}
	}
	return 0, false
}

func parseClock(value string) (int, error) {
	hh, mm, _ := strings.Cut(value, ":")
	hour, err := strconv.Atoi(hh)
	if err != nil || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*3600 + minute*60, nil
}

// maintenanceWindow refuses to stop a broker outside the configured schedule.
type maintenanceWindow struct {
	schedule *Schedule
	now      func() time.Time
}

func newMaintenanceWindow(arg string, deps Dependencies) (interface{}, error) {
	schedule, err := ParseSchedule(arg)
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return maintenanceWindow{schedule: schedule, now: now}, nil
}

func (w maintenanceWindow) PreStop(_ context.Context, target Target) error {
	now := w.now()
	if ok, reason := w.schedule.Allows(now); !ok {
		return fmt.Errorf("refusing to stop broker %d at %s: %s", target.BrokerID, now.Format("Mon 15:04"), reason)
	}
	return nil
}
