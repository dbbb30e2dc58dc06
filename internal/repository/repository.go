// Package repository is the content store the bulk importer writes into:
// a tree of typed nodes with aspects, properties, content and version history,
// mutated only inside transactions.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrNotFound is returned when a node (or a path segment) does not exist.
	ErrNotFound = errors.New("node not found")
	// ErrNameExists is returned when a sibling with the same name exists.
	ErrNameExists = errors.New("name already exists in parent")
	// ErrConflict marks transient contention; the transaction may be retried.
	ErrConflict = errors.New("transaction conflict")
	// ErrReadOnly is returned by write operations inside View.
	ErrReadOnly = errors.New("read-only transaction")
)

// Tx is the set of operations available inside a transaction.
// Nodes returned by a Tx are copies; mutate them and pass them back to Update.
type Tx interface {
	Node(ref NodeRef) (*Node, error)
	Child(parent NodeRef, name string) (*Node, error)
	Children(parent NodeRef) ([]*Node, error)

	// Create inserts n under n.Parent and returns its reference. Creation
	// rules run first unless the transaction's context disabled them.
	Create(n *Node) (NodeRef, error)
	// Update overwrites type, aspects, properties and content in place.
	Update(n *Node) error
	// AddVersion freezes the current state into the history, then applies n
	// and advances the version label. It returns the new label.
	AddVersion(n *Node) (string, error)
	Versions(ref NodeRef) ([]Version, error)
	// WithAspect returns every node carrying the aspect, in no particular order.
	WithAspect(aspect string) ([]NodeRef, error)

	// Savepoint runs fn; if fn fails, its writes are undone and the rest of
	// the transaction stays intact.
	Savepoint(fn func() error) error
}

// Repository is a transactional node store.
type Repository interface {
	// Root returns the reference of the top-level folder.
	Root(ctx context.Context) (NodeRef, error)
	// Update runs fn inside one write transaction, committed when fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn with read-only access.
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// IsTransient reports whether err is worth retrying the whole transaction for.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

type rulesKey struct{}

// WithRulesDisabled returns a context under which Create skips creation rules.
func WithRulesDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, rulesKey{}, true)
}

// RulesDisabled reports whether ctx disables creation rules.
func RulesDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(rulesKey{}).(bool)
	return v
}

// Option configures a store.
type Option func(*options)

type options struct {
	rules []Rule
}

// WithRules registers creation rules.
func WithRules(rules ...Rule) Option {
	return func(o *options) { o.rules = append(o.rules, rules...) }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ResolvePath walks a slash-separated path of names from root.
// "" and "/" resolve to root itself.
func ResolvePath(tx Tx, root NodeRef, path string) (*Node, error) {
	current, err := tx.Node(root)
	if err != nil {
		return nil, err
	}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		current, err = tx.Child(current.Ref, seg)
		if err != nil {
			return nil, fmt.Errorf("resolve %q at %q: %w", path, seg, err)
		}
	}
	return current, nil
}

// PathOf returns the slash-separated path of ref below root. A node outside
// root's subtree is ErrNotFound.
func PathOf(tx Tx, root, ref NodeRef) (string, error) {
	var names []string
	for ref != root {
		n, err := tx.Node(ref)
		if err != nil {
			return "", err
		}
		if n.Parent == "" {
			return "", fmt.Errorf("node %s is not below %s: %w", ref, root, ErrNotFound)
		}
		names = append(names, n.Name)
		ref = n.Parent
	}
	slices.Reverse(names)
	return "/" + strings.Join(names, "/"), nil
}

// Walk visits ref and all its descendants depth-first, parents first.
func Walk(tx Tx, ref NodeRef, fn func(n *Node) error) error {
	n, err := tx.Node(ref)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		return err
	}
	children, err := tx.Children(ref)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := Walk(tx, c.Ref, fn); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of nodes below (and excluding) ref.
func Count(ctx context.Context, repo Repository, ref NodeRef) (int, error) {
	var n int
	err := repo.View(ctx, func(tx Tx) error {
		return Walk(tx, ref, func(node *Node) error {
			if node.Ref != ref {
				n++
			}
			return nil
		})
	})
	return n, err
}
