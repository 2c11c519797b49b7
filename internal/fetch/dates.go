package fetch

import (
	"strconv"
	"strings"
	"time"

	"fbextract/internal/config"
)

// ResolveRelativeDate turns a config date expression into a calendar date.
//
// Accepted forms:
//   - "now" / "today", "yesterday"
//   - "<n> days|weeks|months|years ago" (singular accepted)
//   - absolute "2006-01-02"
//
// Errors:
//   - Anything else is a UserError naming the offending expression; configs
//     are operator input.
func ResolveRelativeDate(expr string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	switch s {
	case "":
		return time.Time{}, config.Userf("empty date expression")
	case "now", "today":
		return now, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}

	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}

	fields := strings.Fields(s)
	if len(fields) == 3 && fields[2] == "ago" {
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			return time.Time{}, config.Userf("invalid date expression %q", expr)
		}
		switch strings.TrimSuffix(fields[1], "s") {
		case "day":
			return now.AddDate(0, 0, -n), nil
		case "week":
			return now.AddDate(0, 0, -7*n), nil
		case "month":
			return now.AddDate(0, -n, 0), nil
		case "year":
			return now.AddDate(-n, 0, 0), nil
		}
	}

	return time.Time{}, config.Userf("invalid date expression %q", expr)
}

// calendarDate formats a time the way the API's since/until parameters
// expect.
func calendarDate(t time.Time) string { return t.Format("2006-01-02") }
