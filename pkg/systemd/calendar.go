package systemd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hostkit/hostkit/pkg/types"
)

// cronShortcuts maps the @-prefixed crontab shorthands straight to
// OnCalendar expressions.
var cronShortcuts = map[string]string{
	"@yearly":   "*-01-01 00:00:00",
	"@annually": "*-01-01 00:00:00",
	"@monthly":  "*-*-01 00:00:00",
	"@weekly":   "Sun *-*-* 00:00:00",
	"@daily":    "*-*-* 00:00:00",
	"@midnight": "*-*-* 00:00:00",
	"@hourly":   "*-*-* *:00:00",
}

var cronDayNames = map[string]string{
	"0": "Sun", "1": "Mon", "2": "Tue", "3": "Wed",
	"4": "Thu", "5": "Fri", "6": "Sat", "7": "Sun",
	"sun": "Sun", "mon": "Mon", "tue": "Tue", "wed": "Wed",
	"thu": "Thu", "fri": "Fri", "sat": "Sat",
}

// CronToCalendar translates a five-field cron expression (or an
// @-shortcut) into a systemd OnCalendar expression. Unsupported or
// malformed input fails with INVALID_CRON_EXPRESSION.
func CronToCalendar(expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if cal, ok := cronShortcuts[strings.ToLower(trimmed)]; ok {
		return cal, nil
	}
	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return "", types.E(types.ErrInvalidCron,
			"cron expression %q must have 5 fields (minute hour day month weekday), got %d",
			expr, len(fields)).
			WithSuggestion("use standard crontab syntax, e.g. \"0 3 * * *\" for daily at 03:00")
	}
	minute, err := cronTimeField(fields[0], 0, 59)
	if err != nil {
		return "", err
	}
	hour, err := cronTimeField(fields[1], 0, 23)
	if err != nil {
		return "", err
	}
	dom, err := cronDateField(fields[2], 1, 31)
	if err != nil {
		return "", err
	}
	month, err := cronDateField(fields[3], 1, 12)
	if err != nil {
		return "", err
	}
	dow, err := cronDowField(fields[4])
	if err != nil {
		return "", err
	}

	cal := fmt.Sprintf("*-%s-%s %s:%s:00", month, dom, hour, minute)
	if dow != "" {
		cal = dow + " " + cal
	}
	return cal, nil
}

// cronTimeField translates a minute or hour field. Step expressions
// anchor at 00 so "*/2" becomes "00/2", which systemd reads as
// "every 2 starting at 0".
func cronTimeField(field string, lo, hi int) (string, error) {
	if field == "*" {
		return "*", nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := cronNumber(rest, 1, hi)
		if err != nil {
			return "", types.E(types.ErrInvalidCron, "invalid step in cron field %q", field)
		}
		return fmt.Sprintf("00/%d", step), nil
	}
	return cronList(field, lo, hi, true)
}

// cronDateField translates a day-of-month or month field.
func cronDateField(field string, lo, hi int) (string, error) {
	if field == "*" {
		return "*", nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := cronNumber(rest, 1, hi)
		if err != nil {
			return "", types.E(types.ErrInvalidCron, "invalid step in cron field %q", field)
		}
		return fmt.Sprintf("%02d/%d", lo, step), nil
	}
	return cronList(field, lo, hi, true)
}

// cronDowField translates the weekday field to systemd day names. A
// bare "*" drops the day part entirely.
func cronDowField(field string) (string, error) {
	if field == "*" {
		return "", nil
	}
	var parts []string
	for _, item := range strings.Split(field, ",") {
		if from, to, ok := strings.Cut(item, "-"); ok {
			a, aok := cronDayNames[strings.ToLower(from)]
			b, bok := cronDayNames[strings.ToLower(to)]
			if !aok || !bok {
				return "", types.E(types.ErrInvalidCron, "invalid weekday range %q", item)
			}
			parts = append(parts, a+".."+b)
			continue
		}
		name, ok := cronDayNames[strings.ToLower(item)]
		if !ok {
			return "", types.E(types.ErrInvalidCron, "invalid weekday %q", item)
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, ","), nil
}

// cronList translates comma lists and ranges of plain numbers.
func cronList(field string, lo, hi int, pad bool) (string, error) {
	var parts []string
	for _, item := range strings.Split(field, ",") {
		if from, to, ok := strings.Cut(item, "-"); ok {
			a, err := cronNumber(from, lo, hi)
			if err != nil {
				return "", types.E(types.ErrInvalidCron, "invalid range bound in cron field %q", field)
			}
			b, err := cronNumber(to, lo, hi)
			if err != nil || b < a {
				return "", types.E(types.ErrInvalidCron, "invalid range %q in cron field", item)
			}
			parts = append(parts, fmt.Sprintf("%02d..%02d", a, b))
			continue
		}
		n, err := cronNumber(item, lo, hi)
		if err != nil {
			return "", types.E(types.ErrInvalidCron, "invalid value %q in cron field (want %d-%d)", item, lo, hi)
		}
		if pad {
			parts = append(parts, fmt.Sprintf("%02d", n))
		} else {
			parts = append(parts, strconv.Itoa(n))
		}
	}
	return strings.Join(parts, ","), nil
}

func cronNumber(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range %d-%d", n, lo, hi)
	}
	return n, nil
}
