package flatten

import (
	"strings"

	"fbextract/internal/config"
)

// tableName resolves the destination table for a row of the given query.
//
// With no override the query name is used as-is, except that insights-style
// queries (async jobs, or field lists starting with "insights") get an
// "_insights" suffix when the name does not already end with it. With an
// override (a nested field name, or the query path at the top level) the
// override is appended unless the name already contains it.
func tableName(q config.Query, override string) string {
	name := q.Name
	if override == "" {
		if (q.IsAsync() || q.IsInsightsFields()) && !strings.HasSuffix(name, "_insights") {
			return name + "_insights"
		}
		return name
	}
	if !strings.Contains(name, override) && !strings.HasSuffix(name, "_"+override) {
		return name + "_" + override
	}
	return name
}

// actionStatsTableName resolves the destination for legacy (non-breakdown)
// action-statistics rows: one table per statistic field, suffixed _insights.
func actionStatsTableName(q config.Query, statsField string) string {
	if strings.HasSuffix(q.Name, "_"+statsField) {
		return q.Name + "_insights"
	}
	return q.Name + "_" + statsField + "_insights"
}
