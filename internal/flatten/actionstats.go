package flatten

import "strings"

// Ads-insights fields whose values are lists of per-action entries. They
// are split out of the main row and emitted as action rows.
var actionStatsFieldList = []string{
	"actions",
	"properties",
	"conversion_values",
	"action_values",
	"canvas_component_avg_pct_view",
	"cost_per_10_sec_video_view",
	"cost_per_action_type",
	"cost_per_unique_action_type",
	"unique_actions",
	"video_10_sec_watched_actions",
	"video_15_sec_watched_actions",
	"video_30_sec_watched_actions",
	"video_avg_pct_watched_actions",
	"video_avg_percent_watched_actions",
	"video_avg_sec_watched_actions",
	"video_avg_time_watched_actions",
	"video_complete_watched_actions",
	"video_p100_watched_actions",
	"video_p25_watched_actions",
	"video_p50_watched_actions",
	"video_p75_watched_actions",
	"cost_per_conversion",
	"cost_per_outbound_click",
	"video_p95_watched_actions",
	"website_ctr",
	"website_purchase_roas",
	"purchase_roas",
	"outbound_clicks",
	"conversions",
	"video_play_actions",
	"video_thruplay_watched_actions",
}

var actionStatsFields = make(map[string]struct{}, len(actionStatsFieldList))

func init() {
	for _, f := range actionStatsFieldList {
		actionStatsFields[f] = struct{}{}
	}
}

// Identifier and date fields carried from the source row onto every action
// row so the rows stay joinable without their parent.
var actionCarryFields = []string{
	"account_id", "ad_id", "adset_id", "campaign_id", "date_start", "date_stop",
}

var actionCarryFieldsExtended = []string{"account_name", "campaign_name"}

// processActionStats emits action-statistics rows. Breakdown queries route
// them to the query's base table; the legacy path gives each statistic field
// its own _insights table.
func (f *Flattener) processActionStats(c classified, originalRow map[string]any, graphNode string, result Result) {
	isBreakdown := f.Query.IsActionBreakdown()

	for _, statsField := range c.statsOrder {
		table := actionStatsTableName(f.Query, statsField)
		if isBreakdown {
			table = tableName(f.Query, "")
		}

		base := f.baseRow(graphNode, f.AccountID)
		copyCarryFields(base, originalRow, isBreakdown)

		for _, raw := range c.actionStats[statsField] {
			action, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			row := Row{}
			for k, v := range base {
				row[k] = v
			}
			f.populateActionRow(row, action, statsField, originalRow, isBreakdown)
			result.add(table, row)
		}
	}
}

func copyCarryFields(dst Row, originalRow map[string]any, extended bool) {
	fields := actionCarryFields
	if extended {
		fields = append(append([]string{}, fields...), actionCarryFieldsExtended...)
	}
	for _, field := range fields {
		if v, ok := originalRow[field]; ok {
			dst[field] = v
		}
	}
}

func (f *Flattener) populateActionRow(row Row, action map[string]any, statsField string, originalRow map[string]any, isBreakdown bool) {
	row["ads_action_name"] = statsField
	row["action_type"] = normalizeActionType(action)

	if v, ok := action["value"]; ok {
		row["value"] = v
	} else {
		row["value"] = ""
	}

	if isBreakdown && f.Query.IsReactionBreakdown() {
		reaction, ok := action["action_reaction"]
		if !ok {
			reaction, ok = originalRow["action_reaction"]
		}
		if !ok {
			reaction = ""
		}
		row["action_reaction"] = reaction
	}

	for k, v := range action {
		switch k {
		case "action_type", "value", "action_reaction":
		default:
			row[k] = v
		}
	}
}

// normalizeActionType reduces dotted action types to their last segment and
// folds the legacy post_save type into post_reaction.
func normalizeActionType(action map[string]any) string {
	raw, _ := action["action_type"].(string)
	if i := strings.LastIndex(raw, "."); i >= 0 {
		raw = raw[i+1:]
	}
	if raw == "post_save" {
		return "post_reaction"
	}
	return raw
}
