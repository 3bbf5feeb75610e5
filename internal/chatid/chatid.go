// Package chatid maps recipient descriptors to their canonical persistence
// string and back.
//
// Encoding:
//
//	user:<robotId>@<userId>
//	group:<robotId>@<groupId>
//	group:<robotId>@<rootGroupId>:<groupId>
//	channel:<robotId>@<channelId>
//
// The string form is the key used by every durable document (subscriptions,
// custom templates), so Encode and Parse must stay exact inverses.
package chatid

import (
	"errors"
	"fmt"
	"strings"

	"pushbot/internal/errs"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

var ErrUnknownKind = errors.New("unknown chat identity kind")

// Identity is a recipient scoped to one robot instance.
// Exactly one of UserID, GroupID or ChannelID is meaningful, selected by Kind.
type Identity struct {
	Kind    Kind
	RobotID string

	UserID string

	GroupID     string
	HasRoot     bool
	RootGroupID string

	ChannelID string
}

func Private(robotID, userID string) Identity {
	return Identity{Kind: KindUser, RobotID: robotID, UserID: userID}
}

func Group(robotID, groupID string) Identity {
	return Identity{Kind: KindGroup, RobotID: robotID, GroupID: groupID}
}

// NestedGroup is a group inside a root group (forum topic, guild channel).
func NestedGroup(robotID, rootGroupID, groupID string) Identity {
	return Identity{Kind: KindGroup, RobotID: robotID, GroupID: groupID, HasRoot: true, RootGroupID: rootGroupID}
}

func Channel(robotID, channelID string) Identity {
	return Identity{Kind: KindChannel, RobotID: robotID, ChannelID: channelID}
}

// Target returns the kind-specific part after '@'.
func (id Identity) Target() string {
	switch id.Kind {
	case KindUser:
		return id.UserID
	case KindGroup:
		if id.HasRoot {
			return id.RootGroupID + ":" + id.GroupID
		}
		return id.GroupID
	case KindChannel:
		return id.ChannelID
	default:
		return ""
	}
}

func (id Identity) String() string { return Encode(id) }

// Validate reports identities that could not survive an Encode/Parse round trip.
func (id Identity) Validate() error {
	switch id.Kind {
	case KindUser, KindGroup, KindChannel:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, id.Kind)
	}
	if id.RobotID == "" {
		return errors.New("chat identity: robot id is empty")
	}
	if strings.Contains(id.RobotID, "@") {
		return errors.New("chat identity: robot id must not contain '@'")
	}
	switch id.Kind {
	case KindUser:
		if id.UserID == "" {
			return errors.New("chat identity: user id is empty")
		}
	case KindChannel:
		if id.ChannelID == "" {
			return errors.New("chat identity: channel id is empty")
		}
	case KindGroup:
		if id.GroupID == "" {
			return errors.New("chat identity: group id is empty")
		}
		if id.HasRoot {
			if id.RootGroupID == "" || strings.Contains(id.RootGroupID, ":") {
				return errors.New("chat identity: root group id must be non-empty and must not contain ':'")
			}
		} else if strings.Contains(id.GroupID, ":") {
			return errors.New("chat identity: group id must not contain ':' without a root group")
		}
	}
	return nil
}

// Encode returns the canonical string form.
func Encode(id Identity) string {
	return string(id.Kind) + ":" + id.RobotID + "@" + id.Target()
}

// Parse decodes the canonical string form without checking that the robot exists.
func Parse(s string) (Identity, error) {
	if s == "" {
		return Identity{}, &errs.ParseError{Input: s, Reason: "empty chat identity"}
	}
	kindRaw, rest, ok := strings.Cut(s, ":")
	if !ok || kindRaw == "" {
		return Identity{}, &errs.ParseError{Input: s, Reason: "missing kind prefix"}
	}
	robotID, target, ok := strings.Cut(rest, "@")
	if !ok {
		return Identity{}, &errs.ParseError{Input: s, Reason: "missing '@' separator"}
	}
	if robotID == "" {
		return Identity{}, &errs.ParseError{Input: s, Reason: "empty robot id"}
	}
	if target == "" {
		return Identity{}, &errs.ParseError{Input: s, Reason: "empty target"}
	}

	switch Kind(kindRaw) {
	case KindUser:
		return Private(robotID, target), nil
	case KindChannel:
		return Channel(robotID, target), nil
	case KindGroup:
		if root, group, nested := strings.Cut(target, ":"); nested {
			if root == "" || group == "" {
				return Identity{}, &errs.ParseError{Input: s, Reason: "malformed nested group"}
			}
			return NestedGroup(robotID, root, group), nil
		}
		return Group(robotID, target), nil
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownKind, kindRaw)
	}
}

// RobotLookup reports whether a live robot instance exists for the id.
type RobotLookup interface {
	HasRobot(robotID string) bool
}

// Decode parses s and checks that its robot is known to the lookup.
func Decode(s string, robots RobotLookup) (Identity, error) {
	id, err := Parse(s)
	if err != nil {
		return Identity{}, err
	}
	if robots == nil || !robots.HasRobot(id.RobotID) {
		return Identity{}, &errs.NotFoundError{What: "robot", Key: id.RobotID}
	}
	return id, nil
}
