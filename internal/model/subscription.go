package model

import "time"

// Tier is a subscription plan bounding channel access, channel count,
// and push frequency.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

// AtLeast reports whether t grants access to channels requiring min.
func (t Tier) AtLeast(min Tier) bool {
	return tierRank[t] >= tierRank[min]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// TierLimits bounds what a plan may hold open and how fast it may be
// pushed to.
type TierLimits struct {
	MaxConnections int
	MaxChannels    int
	UpdateInterval time.Duration
}

var tierLimits = map[Tier]TierLimits{
	TierFree:       {MaxConnections: 2, MaxChannels: 3, UpdateInterval: 30 * time.Second},
	TierBasic:      {MaxConnections: 3, MaxChannels: 5, UpdateInterval: 15 * time.Second},
	TierPro:        {MaxConnections: 5, MaxChannels: 10, UpdateInterval: 5 * time.Second},
	TierEnterprise: {MaxConnections: 10, MaxChannels: 20, UpdateInterval: time.Second},
}

// LimitsFor returns the limits for a tier. Unknown tiers get the free
// limits.
func LimitsFor(t Tier) TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// Subscription ties one live connection to one channel.
type Subscription struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Channel      string    `json:"channel"`
	SubscribedAt time.Time `json:"subscribed_at"`
}
