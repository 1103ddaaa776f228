// Package rbac evaluates permission levels for presence and membership actions.
//
// All comparisons between an actor's and a target's permission level live
// here; handlers call the named policies instead of comparing levels inline.
package rbac

import "github.com/NicolasHaas/roomspeak/pkg/model"

// Permission represents an action gated by a minimum permission level.
type Permission int

const (
	PermMoveOthers Permission = iota
	PermDisconnectOthers
	PermManageChannels
	PermBypassChannelLimits
	PermJoinMemberChannel
	PermJoinPrivateChannel
	PermEnterInvisibleServer
	PermActForOthers
)

// minimumLevel maps permissions to the lowest level that holds them.
var minimumLevel = map[Permission]model.Level{
	PermMoveOthers:           model.LevelServerAdmin, // observed: level > 4
	PermDisconnectOthers:     model.LevelServerAdmin,
	PermManageChannels:       model.LevelServerAdmin,
	PermBypassChannelLimits:  model.LevelServerAdmin,
	PermJoinMemberChannel:    model.LevelMember,
	PermJoinPrivateChannel:   model.LevelChannelAdmin,
	PermEnterInvisibleServer: model.LevelMember,
	PermActForOthers:         model.LevelOfficial,
}

// HasPermission checks if a level holds a specific permission.
func HasPermission(level model.Level, perm Permission) bool {
	min, ok := minimumLevel[perm]
	if !ok {
		return false
	}
	return level >= min
}

// RequirePermission returns an error message if the level lacks the permission, or empty string if allowed.
func RequirePermission(level model.Level, perm Permission) string {
	if HasPermission(level, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires level " + minimumLevel[perm].String()
}

// Describe names a permission and the level it requires.
func Describe(perm Permission) string {
	return permName(perm) + " requires level " + minimumLevel[perm].String()
}

func permName(p Permission) string {
	switch p {
	case PermMoveOthers:
		return "move_others"
	case PermDisconnectOthers:
		return "disconnect_others"
	case PermManageChannels:
		return "manage_channels"
	case PermBypassChannelLimits:
		return "bypass_channel_limits"
	case PermJoinMemberChannel:
		return "join_member_channel"
	case PermJoinPrivateChannel:
		return "join_private_channel"
	case PermEnterInvisibleServer:
		return "enter_invisible_server"
	case PermActForOthers:
		return "act_for_others"
	default:
		return "unknown"
	}
}

// Compare reports whether actor exceeds target by at least margin levels.
// Self-actions use margin 0; actions on another member use margin 1.
func Compare(actor, target model.Level, margin int) bool {
	return int(actor)-int(target) >= margin
}

// Effective combines a member level with a platform special override.
func Effective(memberLevel, override model.Level) model.Level {
	if override > memberLevel {
		return override
	}
	return memberLevel
}

// CanMoveOther reports whether actor may move target between channels.
func CanMoveOther(actor, target model.Level) bool {
	return HasPermission(actor, PermMoveOthers) && Compare(actor, target, 1)
}

// CanDisconnectOther reports whether actor may remove target from a channel or server.
func CanDisconnectOther(actor, target model.Level) bool {
	return HasPermission(actor, PermDisconnectOthers) && Compare(actor, target, 1)
}

// CanJoinChannel applies the visibility gate for a user of the given level.
func CanJoinChannel(level model.Level, ch *model.Channel) bool {
	if ch.Type == model.TypeCategory {
		return false
	}
	switch ch.Visibility {
	case model.ChannelReadonly:
		return ch.IsLobby
	case model.ChannelMember:
		return HasPermission(level, PermJoinMemberChannel)
	case model.ChannelPrivate:
		return HasPermission(level, PermJoinPrivateChannel)
	default:
		return true
	}
}

// CanCreateMember reports whether actor may create a membership at newLevel.
// self is true when the actor creates their own record; ownsServer when the
// actor is the server's owner.
func CanCreateMember(actor, newLevel model.Level, self, ownsServer bool) bool {
	if self {
		if newLevel == model.LevelGuest {
			return true
		}
		return ownsServer && newLevel == model.LevelOwner
	}
	return Compare(actor, newLevel, 1)
}

// CanAssignLevel reports whether actor may change target's level to newLevel.
// A user may never change their own level, except the owner confirming owner level.
// Established members cannot be demoted to guest through this path.
func CanAssignLevel(actor, target, newLevel model.Level, self, ownsServer bool) bool {
	if self {
		if ownsServer && newLevel == model.LevelOwner {
			return true
		}
		return false
	}
	if !Compare(actor, target, 1) || !Compare(actor, newLevel, 1) {
		return false
	}
	if target >= model.LevelMember && newLevel < model.LevelMember {
		return false
	}
	return true
}

// CanEditMember reports whether actor may change target's non-level fields.
func CanEditMember(actor, target model.Level, self bool) bool {
	if self {
		return true
	}
	return Compare(actor, target, 1)
}

// CanOwnAnotherServer applies the owned-server cap. Accounts holding a
// platform override bypass it.
func CanOwnAnotherServer(owned, userLevel int, override model.Level) bool {
	if override >= model.LevelOfficial {
		return true
	}
	return owned < model.OwnedServerLimit(userLevel)
}
