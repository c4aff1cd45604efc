package capability

import (
	"errors"
	"fmt"
	"time"

	"meshfs/pkg/fserr"
	"meshfs/pkg/types"
)

// DefaultMaxDepth bounds the length of a delegation chain.
const DefaultMaxDepth = 32

// Reason classifies why a capability was rejected.
type Reason string

const (
	Expired        Reason = "expired"
	ScopeExceeded  Reason = "scope exceeded"
	RightsExceeded Reason = "rights exceeded"
	BrokenChain    Reason = "broken chain"
	RootMismatch   Reason = "root mismatch"
)

// UnauthorizedError is returned by the gate for any rejected chain.
type UnauthorizedError struct {
	Reason Reason
	Detail string
}

func (e *UnauthorizedError) Error() string {
	if e.Detail == "" {
		return "unauthorized: " + string(e.Reason)
	}
	return fmt.Sprintf("unauthorized: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, fserr.Unauthorized) match gate rejections.
func (e *UnauthorizedError) Is(target error) bool {
	return target == fserr.Unauthorized
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a
// gate rejection.
func ReasonOf(err error) Reason {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

// Request describes the access being exercised.
type Request struct {
	Root   types.PublicKey
	Scope  Scope
	Path   string
	Rights Rights
	As     types.PublicKey
	At     time.Time
}

// Gate verifies capability chains. It holds no mutable state and is safe
// for concurrent use.
type Gate struct {
	maxDepth int
}

func NewGate(maxDepth int) *Gate {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Gate{maxDepth: maxDepth}
}

func (g *Gate) MaxDepth() int { return g.maxDepth }

// Verify checks that chain authorizes req. It walks from the leaf to the
// root checking expiry, signatures, issuer/subject linkage and that rights
// and scope never widen, then checks the root is the replica root key.
func (g *Gate) Verify(chain *Capability, req Request) error {
	if chain == nil {
		return &UnauthorizedError{Reason: BrokenChain, Detail: "no capability presented"}
	}
	if chain.Subject != req.As {
		return &UnauthorizedError{Reason: BrokenChain, Detail: "capability subject does not match the exercising key"}
	}
	if !chain.Rights.Has(req.Rights) {
		return &UnauthorizedError{Reason: RightsExceeded, Detail: fmt.Sprintf("requires %s, granted %s", req.Rights, chain.Rights)}
	}
	if chain.Scope.Replica != req.Scope.Replica {
		return &UnauthorizedError{Reason: ScopeExceeded, Detail: "capability is for another replica"}
	}
	if req.Path != "" && !chain.Scope.Covers(req.Path) {
		return &UnauthorizedError{Reason: ScopeExceeded, Detail: fmt.Sprintf("%s is outside %s", req.Path, chain.Scope)}
	}

	depth := 0
	for link := chain; link != nil; link = link.Parent {
		depth++
		if depth > g.maxDepth {
			return &UnauthorizedError{Reason: BrokenChain, Detail: fmt.Sprintf("chain longer than %d links", g.maxDepth)}
		}
		if link.ExpiredAt(req.At) {
			return &UnauthorizedError{Reason: Expired, Detail: fmt.Sprintf("link %d expired at %s", depth, link.Expiry.Format(time.RFC3339))}
		}
		if !link.Issuer.Verify(link.signingBytes(), link.Signature) {
			return &UnauthorizedError{Reason: BrokenChain, Detail: fmt.Sprintf("link %d has an invalid signature", depth)}
		}

		parent := link.Parent
		if parent == nil {
			if link.Issuer != req.Root {
				return &UnauthorizedError{Reason: RootMismatch, Detail: "chain is not rooted at the replica root key"}
			}
			if link.Issuer != link.Subject {
				return &UnauthorizedError{Reason: BrokenChain, Detail: "root link must be self-issued"}
			}
			break
		}

		if link.Issuer != parent.Subject {
			return &UnauthorizedError{Reason: BrokenChain, Detail: fmt.Sprintf("link %d issuer is not its parent's subject", depth)}
		}
		if !parent.Rights.Has(RightDelegate) {
			return &UnauthorizedError{Reason: RightsExceeded, Detail: fmt.Sprintf("link %d parent cannot delegate", depth)}
		}
		if !parent.Rights.Has(link.Rights) {
			return &UnauthorizedError{Reason: RightsExceeded, Detail: fmt.Sprintf("link %d widens rights", depth)}
		}
		if !parent.Scope.Contains(link.Scope) {
			return &UnauthorizedError{Reason: ScopeExceeded, Detail: fmt.Sprintf("link %d widens scope", depth)}
		}
	}
	return nil
}
