package fetch

import (
	"strings"

	"fbextract/internal/config"
)

// Directives are the inline modifiers embedded in an insights fields string,
// e.g. "insights.metric(page_fans,reach).period(day).since(90 days ago)".
type Directives struct {
	Metrics []string
	Period  string
	Since   string
	Until   string
}

// ParseInsightsDirectives parses the micro-DSL of an insights fields string.
//
// Grammar: "insights" ( "." ident "(" args ")" )*
// where args is everything up to the next closing parenthesis (the DSL has no
// nesting). A malformed directive is a UserError rather than a silent no-op,
// so broken configs surface immediately.
func ParseInsightsDirectives(fields string) (Directives, error) {
	var d Directives

	s := strings.TrimSpace(fields)
	if !strings.HasPrefix(s, "insights") {
		return d, config.Userf("insights directives must start with \"insights\", got %q", fields)
	}
	rest := s[len("insights"):]

	for rest != "" {
		if !strings.HasPrefix(rest, ".") {
			return d, config.Userf("malformed insights directive near %q in %q", rest, fields)
		}
		rest = rest[1:]

		open := strings.IndexByte(rest, '(')
		if open <= 0 {
			return d, config.Userf("insights directive missing argument list near %q in %q", rest, fields)
		}
		name := strings.TrimSpace(rest[:open])

		end := strings.IndexByte(rest[open:], ')')
		if end < 0 {
			return d, config.Userf("unterminated insights directive %q in %q", name, fields)
		}
		args := rest[open+1 : open+end]
		rest = rest[open+end+1:]

		switch name {
		case "metric":
			for _, m := range strings.Split(strings.ReplaceAll(args, "\n", ""), ",") {
				if m = strings.TrimSpace(m); m != "" {
					d.Metrics = append(d.Metrics, m)
				}
			}
		case "period":
			d.Period = strings.TrimSpace(args)
		case "since":
			d.Since = strings.TrimSpace(args)
		case "until":
			d.Until = strings.TrimSpace(args)
		default:
			return d, config.Userf("unknown insights directive %q in %q", name, fields)
		}
	}

	return d, nil
}
