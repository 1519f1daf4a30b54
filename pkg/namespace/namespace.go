// Package namespace maps identities to the graph partitions they may read
// and write. It is pure: no I/O, no state.
package namespace

import (
	"fmt"
	"strings"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

const (
	// Global is the shared, world-readable namespace.
	Global = "global"
	// UserPrefix prefixes every per-user namespace.
	UserPrefix = "user:"
	// Separator may not appear inside a user id.
	Separator = ":"
)

// Kind distinguishes user namespaces from the global one.
type Kind int

const (
	KindGlobal Kind = iota
	KindUser
)

func (k Kind) String() string {
	if k == KindUser {
		return "user"
	}
	return "global"
}

// Namespace is a parsed namespace string.
type Namespace struct {
	Kind   Kind
	UserID string
}

// String renders the canonical form, "global" or "user:<id>".
func (n Namespace) String() string {
	if n.Kind == KindUser {
		return UserPrefix + n.UserID
	}
	return Global
}

// User returns the namespace owned by userID.
func User(userID string) (Namespace, error) {
	if err := validateUserID(userID); err != nil {
		return Namespace{}, err
	}
	return Namespace{Kind: KindUser, UserID: userID}, nil
}

// Parse validates and decodes a namespace string.
func Parse(ns string) (Namespace, error) {
	if ns == Global {
		return Namespace{Kind: KindGlobal}, nil
	}
	if !strings.HasPrefix(ns, UserPrefix) {
		return Namespace{}, fmt.Errorf("%w: namespace %q is neither %q nor %q<id>", types.ErrInvalidIdentifier, ns, Global, UserPrefix)
	}
	return User(strings.TrimPrefix(ns, UserPrefix))
}

// IsUser reports whether ns is a well-formed user namespace.
func IsUser(ns string) bool {
	parsed, err := Parse(ns)
	return err == nil && parsed.Kind == KindUser
}

// IsGlobal reports whether ns is the global namespace.
func IsGlobal(ns string) bool {
	return ns == Global
}

// Chain is the ordered list of namespaces a search walks through.
type Chain []Namespace

// Strings renders the chain in order.
func (c Chain) Strings() []string {
	out := make([]string, len(c))
	for i, ns := range c {
		out[i] = ns.String()
	}
	return out
}

// ResolveSearchChain returns [user:<id>, global].
func ResolveSearchChain(userID string) (Chain, error) {
	user, err := User(userID)
	if err != nil {
		return nil, err
	}
	return Chain{user, {Kind: KindGlobal}}, nil
}

// GlobalChain is the chain used for anonymous or system queries.
func GlobalChain() Chain {
	return Chain{{Kind: KindGlobal}}
}

// ResolveWriteNamespace picks where ingested facts for userID land.
func ResolveWriteNamespace(userID string, toGlobal bool) (string, error) {
	if toGlobal {
		return Global, nil
	}
	user, err := User(userID)
	if err != nil {
		return "", err
	}
	return user.String(), nil
}

// ValidateAccess reports whether callerID may read ns. The global namespace
// is readable by everyone; a user namespace only by its owner.
func ValidateAccess(callerID, ns string) bool {
	parsed, err := Parse(ns)
	if err != nil {
		return false
	}
	if parsed.Kind == KindGlobal {
		return true
	}
	return callerID != "" && parsed.UserID == callerID
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is empty", types.ErrInvalidIdentifier)
	}
	if strings.TrimSpace(userID) != userID {
		return fmt.Errorf("%w: user id %q has surrounding whitespace", types.ErrInvalidIdentifier, userID)
	}
	if strings.Contains(userID, Separator) {
		return fmt.Errorf("%w: user id %q contains %q", types.ErrInvalidIdentifier, userID, Separator)
	}
	return nil
}
