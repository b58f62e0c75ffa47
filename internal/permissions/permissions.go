package permissions

import (
	"context"
	"math"
)

// Flags is the effective capability set for one community membership. The
// zero value grants nothing; capabilities are accumulated by OR-ing the
// flags of every role the membership holds.
type Flags struct {
	ManageCommunity bool `json:"manage_community"`
	ManageChannels  bool `json:"manage_channels"`
	ManageMembers   bool `json:"manage_members"`
	CreateInvites   bool `json:"create_invites"`
	SendMessages    bool `json:"send_messages"`
	ManageMessages  bool `json:"manage_messages"`
	PinMessages     bool `json:"pin_messages"`
	KickMembers     bool `json:"kick_members"`
	BanMembers      bool `json:"ban_members"`
	TimeoutMembers  bool `json:"timeout_members"`
}

// Union returns the logical OR of two flag sets.
func (f Flags) Union(o Flags) Flags {
	return Flags{
		ManageCommunity: f.ManageCommunity || o.ManageCommunity,
		ManageChannels:  f.ManageChannels || o.ManageChannels,
		ManageMembers:   f.ManageMembers || o.ManageMembers,
		CreateInvites:   f.CreateInvites || o.CreateInvites,
		SendMessages:    f.SendMessages || o.SendMessages,
		ManageMessages:  f.ManageMessages || o.ManageMessages,
		PinMessages:     f.PinMessages || o.PinMessages,
		KickMembers:     f.KickMembers || o.KickMembers,
		BanMembers:      f.BanMembers || o.BanMembers,
		TimeoutMembers:  f.TimeoutMembers || o.TimeoutMembers,
	}
}

// OverrideValue is the tri-state a channel override can take for one key.
// Inherit is a named state, not an absent row, so callers never juggle
// nullable booleans.
type OverrideValue int8

const (
	Inherit OverrideValue = iota
	Allow
	Deny
)

// RoleGrant is one role held by a membership, with the role's permission
// flags and its rank. Position 0 is the most senior role.
type RoleGrant struct {
	RoleID      string
	Position    int
	Permissions Flags
}

// ChannelOverride carries the per-(channel, role) tri-state overrides for
// the three channel-overridable keys.
type ChannelOverride struct {
	RoleID         string
	SendMessages   OverrideValue
	ManageMessages OverrideValue
	PinMessages    OverrideValue
}

// LowestAuthority is the role position reported for a membership with no
// roles: maximum int, lowest authority. Every real role outranks it.
const LowestAuthority = math.MaxInt32

// Source supplies the role and override rows the resolver computes from.
type Source interface {
	RolesForMembership(ctx context.Context, membershipID string) ([]RoleGrant, error)
	ChannelOverrides(ctx context.Context, channelID string, roleIDs []string) ([]ChannelOverride, error)
}

// resolveKey applies deny-wins semantics for a single overridable key: an
// explicit deny on any held role forces false, otherwise an explicit allow
// forces true, otherwise the base value stands.
func resolveKey(base bool, anyAllow, anyDeny bool) bool {
	if anyDeny {
		return false
	}
	if anyAllow {
		return true
	}
	return base
}
