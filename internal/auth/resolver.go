package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
)

// StaffDirectory is the slice of the staff repository the resolver reads.
type StaffDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*staff.Staff, error)
}

// VisitorDirectory is the slice of the visitor repository the resolver reads.
type VisitorDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*visitor.Visitor, error)
}

// TokenPair is an access/refresh token couple issued at login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Resolver issues token pairs and turns presented tokens back into identities.
type Resolver struct {
	secret     string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	staffs     StaffDirectory
	visitors   VisitorDirectory
}

// NewResolver creates a token resolver. issuer is embedded in every issued
// token and verified on every presented one.
func NewResolver(secret, issuer string, accessTTL, refreshTTL time.Duration, staffs StaffDirectory, visitors VisitorDirectory) *Resolver {
	return &Resolver{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		staffs:     staffs,
		visitors:   visitors,
	}
}

// IssuePair signs a fresh access/refresh pair for the subject.
func (r *Resolver) IssuePair(subject uuid.UUID, kind Kind) (TokenPair, error) {
	access, err := NewToken(subject, kind, TokenTypeAccess, r.secret, r.accessTTL, r.issuer)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := NewToken(subject, kind, TokenTypeRefresh, r.secret, r.refreshTTL, r.issuer)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// ResolveToken validates an access token and loads the principal behind it.
func (r *Resolver) ResolveToken(ctx context.Context, token string) (Identity, error) {
	claims, err := ValidateToken(token, TokenTypeAccess, r.secret, r.issuer)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return r.resolve(ctx, claims)
}

// Refresh validates a refresh token and, when its subject still exists and is
// enabled, issues a fresh pair.
func (r *Resolver) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := ValidateToken(refreshToken, TokenTypeRefresh, r.secret, r.issuer)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	identity, err := r.resolve(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}
	return r.IssuePair(identity.ID, identity.Kind)
}

func (r *Resolver) resolve(ctx context.Context, claims *Claims) (Identity, error) {
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	switch claims.Kind {
	case KindStaff:
		st, err := r.staffs.GetByID(ctx, subject)
		if err != nil {
			return Identity{}, ErrUnknownSubject
		}
		if st.Disabled {
			return Identity{}, ErrAccountDisabled
		}
		return Identity{
			ID:      st.ID,
			Kind:    KindStaff,
			OrgID:   st.OrgID,
			RoleID:  st.RoleID,
			Display: st.DisplayName,
		}, nil
	case KindVisitor:
		v, err := r.visitors.GetByID(ctx, subject)
		if err != nil {
			return Identity{}, ErrUnknownSubject
		}
		if v.Disabled {
			return Identity{}, ErrAccountDisabled
		}
		return Identity{ID: v.ID, Kind: KindVisitor, Display: v.Name}, nil
	default:
		return Identity{}, ErrInvalidToken
	}
}
