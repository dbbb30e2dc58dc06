package repository

import "time"

// Rule mutates a node just before it is first stored.
type Rule func(n *Node)

// AuditableRule stamps creation metadata on every new node.
func AuditableRule(user string, now func() time.Time) Rule {
	if now == nil {
		now = time.Now
	}
	return func(n *Node) {
		ts := now().UTC()
		n.AddAspect("cm:auditable")
		if n.Properties == nil {
			n.Properties = make(map[string]any)
		}
		if _, ok := n.Properties["cm:created"]; !ok {
			n.Properties["cm:created"] = ts
		}
		n.Properties["cm:modified"] = ts
		if user != "" {
			n.Properties["cm:creator"] = user
		}
	}
}

func applyRules(rules []Rule, n *Node) {
	for _, r := range rules {
		r(n)
	}
}
