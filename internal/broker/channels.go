package broker

import (
	"time"

	"github.com/reachflow/pulse/internal/model"
)

// Channel names in the catalog.
const (
	ChannelAutomationStatus     = "automation_status"
	ChannelSafetyAlerts         = "safety_alerts"
	ChannelSystemNotifications  = "system_notifications"
	ChannelProfileMetrics       = "profile_metrics"
	ChannelComplianceMonitoring = "compliance_monitoring"
	ChannelHealthDashboard      = "health_dashboard"
	ChannelQueueStatus          = "queue_status"
	ChannelTemplateAnalytics    = "template_analytics"
	ChannelRealTimeAnalytics    = "real_time_analytics"
)

// ChannelSpec describes one real-time feed: the minimum tier allowed
// to subscribe, the channel's own push-interval floor, and a hard cap
// on concurrent subscribers.
type ChannelSpec struct {
	Name           string
	RequiredTier   model.Tier
	UpdateInterval time.Duration
	MaxSubscribers int
}

// EffectiveInterval is the push cadence for a subscriber tier: never
// faster than the channel's floor or the plan's floor.
func (c ChannelSpec) EffectiveInterval(tier model.Tier) time.Duration {
	plan := model.LimitsFor(tier).UpdateInterval
	if plan > c.UpdateInterval {
		return plan
	}
	return c.UpdateInterval
}

// DefaultChannels is the production channel catalog.
func DefaultChannels() map[string]ChannelSpec {
	return map[string]ChannelSpec{
		ChannelAutomationStatus:     {Name: ChannelAutomationStatus, RequiredTier: model.TierFree, UpdateInterval: 10 * time.Second, MaxSubscribers: 1000},
		ChannelSafetyAlerts:         {Name: ChannelSafetyAlerts, RequiredTier: model.TierFree, UpdateInterval: 3 * time.Second, MaxSubscribers: 1000},
		ChannelSystemNotifications:  {Name: ChannelSystemNotifications, RequiredTier: model.TierFree, UpdateInterval: 60 * time.Second, MaxSubscribers: 1000},
		ChannelProfileMetrics:       {Name: ChannelProfileMetrics, RequiredTier: model.TierBasic, UpdateInterval: 30 * time.Second, MaxSubscribers: 500},
		ChannelComplianceMonitoring: {Name: ChannelComplianceMonitoring, RequiredTier: model.TierBasic, UpdateInterval: 10 * time.Second, MaxSubscribers: 500},
		ChannelHealthDashboard:      {Name: ChannelHealthDashboard, RequiredTier: model.TierBasic, UpdateInterval: 20 * time.Second, MaxSubscribers: 500},
		ChannelQueueStatus:          {Name: ChannelQueueStatus, RequiredTier: model.TierPro, UpdateInterval: 5 * time.Second, MaxSubscribers: 200},
		ChannelTemplateAnalytics:    {Name: ChannelTemplateAnalytics, RequiredTier: model.TierPro, UpdateInterval: 15 * time.Second, MaxSubscribers: 200},
		ChannelRealTimeAnalytics:    {Name: ChannelRealTimeAnalytics, RequiredTier: model.TierEnterprise, UpdateInterval: time.Second, MaxSubscribers: 100},
	}
}
