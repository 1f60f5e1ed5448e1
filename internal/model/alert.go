package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// severityRank orders severities for escalation.
var severityRank = map[AlertSeverity]int{
	AlertSeverityInfo:     0,
	AlertSeverityWarning:  1,
	AlertSeverityError:    2,
	AlertSeverityCritical: 3,
}

// Escalate raises a base severity by the given number of levels,
// saturating at critical.
func (s AlertSeverity) Escalate(levels int) AlertSeverity {
	rank, ok := severityRank[s]
	if !ok {
		return s
	}
	rank += levels
	if rank >= severityRank[AlertSeverityCritical] {
		return AlertSeverityCritical
	}
	for sev, r := range severityRank {
		if r == rank {
			return sev
		}
	}
	return s
}

// AlertCondition is the comparison a rule applies to its metric.
type AlertCondition string

const (
	ConditionAbove  AlertCondition = "above"
	ConditionBelow  AlertCondition = "below"
	ConditionChange AlertCondition = "change"
	ConditionTrend  AlertCondition = "trend"
)

// QuietHours is a wall-clock hour range during which qualifying alerts
// are suppressed. Ranges may wrap midnight (e.g. 22 -> 6).
type QuietHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the given hour falls inside the quiet range.
// A zero range (start == end) disables suppression.
func (q QuietHours) Contains(hour int) bool {
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	// Wraps midnight.
	return hour >= q.Start || hour < q.End
}

// AlertRule defines a user-owned rule evaluated against the latest
// metric values. Conditions change and trend compare against a
// baseline fetched from the metric store at evaluation time.
type AlertRule struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	MetricName       string         `json:"metric_name"`
	Threshold        float64        `json:"threshold"`
	Condition        AlertCondition `json:"condition"`
	ComparisonPeriod time.Duration  `json:"comparison_period,omitempty"`
	QuietHours       QuietHours     `json:"quiet_hours"`
	Priority         AlertSeverity  `json:"priority"`
	Enabled          bool           `json:"enabled"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AlertEvent records one rule firing. Immutable once created except
// for the acknowledged flag.
type AlertEvent struct {
	ID             string        `json:"id"`
	RuleID         string        `json:"rule_id"`
	UserID         string        `json:"user_id"`
	MetricName     string        `json:"metric_name"`
	MetricValue    float64       `json:"metric_value"`
	ThresholdValue float64       `json:"threshold_value"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
	Acknowledged   bool          `json:"acknowledged"`
}
