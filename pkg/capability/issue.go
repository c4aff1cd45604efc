package capability

import (
	"fmt"
	"time"

	"meshfs/pkg/types"
)

// NewRoot issues the self-signed capability that anchors every chain for a
// replica. The replica's root key holds every right over the whole tree.
func NewRoot(root *types.Keypair, replica types.ReplicaID) *Capability {
	c := &Capability{
		Scope:   Scope{Replica: replica, Prefix: "/"},
		Rights:  AllRights,
		Issuer:  root.Public(),
		Subject: root.Public(),
	}
	c.Signature = root.Sign(c.signingBytes())
	return c
}

// Delegate issues a child of parent to subject. The issuer must be the
// parent's subject and the parent must carry the delegate right. The
// requested rights and scope must be within the parent's, and the expiry is
// clamped to the parent's.
func Delegate(parent *Capability, issuer *types.Keypair, subject types.PublicKey, scope Scope, rights Rights, expiry time.Time) (*Capability, error) {
	if parent == nil {
		return nil, fmt.Errorf("delegation requires a parent capability")
	}
	if issuer.Public() != parent.Subject {
		return nil, &UnauthorizedError{Reason: BrokenChain, Detail: "issuer is not the subject of the parent capability"}
	}
	if !parent.Rights.Has(RightDelegate) {
		return nil, &UnauthorizedError{Reason: RightsExceeded, Detail: "parent capability lacks the delegate right"}
	}
	if !parent.Rights.Has(rights) {
		return nil, &UnauthorizedError{Reason: RightsExceeded, Detail: fmt.Sprintf("%s exceeds %s", rights, parent.Rights)}
	}
	if scope.Prefix == "" {
		scope.Prefix = parent.Scope.normalizedPrefix()
	}
	if !parent.Scope.Contains(scope) {
		return nil, &UnauthorizedError{Reason: ScopeExceeded, Detail: fmt.Sprintf("%s is outside %s", scope, parent.Scope)}
	}
	if !parent.Expiry.IsZero() && (expiry.IsZero() || expiry.After(parent.Expiry)) {
		expiry = parent.Expiry
	}

	c := &Capability{
		Scope:   scope,
		Rights:  rights,
		Issuer:  issuer.Public(),
		Subject: subject,
		Expiry:  expiry,
		Parent:  parent,
	}
	c.Signature = issuer.Sign(c.signingBytes())
	return c, nil
}
