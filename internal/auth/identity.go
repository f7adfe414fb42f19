// Package auth issues and resolves the JWT credentials that both the REST
// surface and the realtime gateway consume. A token's subject is either a staff
// member or a visitor; ResolveToken turns a raw token into an Identity with the
// caller's role and organisation attached.
package auth

import (
	"github.com/google/uuid"
)

// Kind distinguishes the two principal types on the wire.
type Kind string

const (
	KindVisitor Kind = "visitor"
	KindStaff   Kind = "staff"
)

// Identity is the resolved principal behind a validated token.
type Identity struct {
	ID      uuid.UUID
	Kind    Kind
	OrgID   uuid.UUID // uuid.Nil for visitors
	RoleID  int16     // 0 for visitors
	Display string
}

// IsStaff reports whether the identity belongs to a staff member.
func (i Identity) IsStaff() bool { return i.Kind == KindStaff }
