////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Role is a member's permission level within a conversation. Roles form a
// total order: owner > admin > member.
type Role uint8

const (
	Member Role = iota + 1
	Admin
	Owner
)

// String returns a human-readable version of [Role]. This function adheres to
// the [fmt.Stringer] interface.
func (r Role) String() string {
	switch r {
	case Member:
		return "member"
	case Admin:
		return "admin"
	case Owner:
		return "owner"
	default:
		return "invalid"
	}
}

// ParseRole returns the [Role] for its wire name.
func ParseRole(s string) (Role, error) {
	switch s {
	case "member":
		return Member, nil
	case "admin":
		return Admin, nil
	case "owner":
		return Owner, nil
	default:
		return 0, errors.Errorf("invalid role %q", s)
	}
}

// MarshalJSON adheres to the [json.Marshaler] interface.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON adheres to the [json.Unmarshaler] interface.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// rank maps a role to its position in the permission hierarchy. The zero Role
// (non-member) ranks below everything.
func rank(r Role) int {
	switch r {
	case Owner:
		return 3
	case Admin:
		return 2
	case Member:
		return 1
	default:
		return 0
	}
}

// HasPermission reports whether a member holding role meets the required
// permission level. The zero Role (not a member) never has permission.
func HasPermission(role, required Role) bool {
	if rank(role) == 0 {
		return false
	}
	return rank(role) >= rank(required)
}

// AuthorizeSettingsUpdate authorizes editing a group's name, description, or
// avatar. Requires admin or owner.
func AuthorizeSettingsUpdate(role Role) error {
	if !HasPermission(role, Admin) {
		return errors.WithMessage(PermissionDeniedErr,
			"only admins and the group owner can update group settings")
	}
	return nil
}

// AuthorizeAddMembers authorizes adding members to a group. Requires admin or
// owner.
func AuthorizeAddMembers(role Role) error {
	if !HasPermission(role, Admin) {
		return errors.WithMessage(PermissionDeniedErr,
			"only admins and the group owner can add members")
	}
	return nil
}

// AuthorizeRemoveMember authorizes removing another member. The owner may
// remove anyone; an admin may remove plain members only; a member may remove
// no one. Removing oneself is a leave, authorized by [AuthorizeLeave].
func AuthorizeRemoveMember(actor, target Role) error {
	switch actor {
	case Owner:
		return nil
	case Admin:
		if target == Member {
			return nil
		}
		return errors.WithMessage(PermissionDeniedErr,
			"admins can only remove plain members")
	default:
		return errors.WithMessage(PermissionDeniedErr,
			"only admins and the group owner can remove members")
	}
}

// AuthorizeRoleChange authorizes changing a member's role. Only the owner can
// change roles, never targeting themselves, and only to admin or member.
func AuthorizeRoleChange(actor Role, targetIsSelf bool, newRole Role) error {
	if actor != Owner {
		return errors.WithMessage(PermissionDeniedErr,
			"only the group owner can change member roles")
	}
	if targetIsSelf {
		return CannotChangeOwnRoleErr
	}
	if newRole != Admin && newRole != Member {
		return errors.Errorf("role must be %q or %q", Admin, Member)
	}
	return nil
}

// AuthorizeGroupDelete authorizes soft-deleting a group. Owner only.
func AuthorizeGroupDelete(role Role) error {
	if role != Owner {
		return errors.WithMessage(PermissionDeniedErr,
			"only the group owner can delete the group")
	}
	return nil
}

// AuthorizeLeave authorizes leaving a group. Anyone except the owner may
// leave; there is no automatic ownership transfer.
func AuthorizeLeave(role Role) error {
	if role == Owner {
		return OwnerCannotLeaveErr
	}
	if rank(role) == 0 {
		return NotAMemberErr
	}
	return nil
}
