package render

import (
	"fmt"
	"sort"
)

// Rendered is the cached tree of one scope. Statics are kept per template
// position so later diffs only carry dynamic values.
type Rendered struct {
	root       *Node
	components map[int]*Node
}

// NewRendered creates an empty cache
func NewRendered() *Rendered {
	return &Rendered{components: make(map[int]*Node)}
}

// Root returns the cached root node, nil before the first diff
func (r *Rendered) Root() *Node {
	return r.root
}

// Component returns the cached tree of a component
func (r *Rendered) Component(cid int) (*Node, bool) {
	n, ok := r.components[cid]
	return n, ok
}

// Components returns the known component ids in ascending order
func (r *Rendered) Components() []int {
	ids := make([]int, 0, len(r.components))
	for cid := range r.components {
		ids = append(ids, cid)
	}
	sort.Ints(ids)
	return ids
}

// Merge folds diff into the cache and returns the ids of components the diff
// touched. The cache is left unchanged when the diff cannot be merged.
func (r *Rendered) Merge(diff *Node) ([]int, error) {
	if err := resolve(diff, diff.Templates); err != nil {
		return nil, err
	}
	for _, c := range diff.Components {
		if err := resolve(c, diff.Templates); err != nil {
			return nil, err
		}
	}

	root := r.root
	if r.root == nil || diff.HasStatics() || len(diff.Dynamics) > 0 || diff.Comprehension {
		merged, err := mergeNode(r.root, diff)
		if err != nil {
			return nil, err
		}
		root = merged
	}

	comps := make(map[int]*Node, len(r.components)+len(diff.Components))
	for cid, c := range r.components {
		comps[cid] = c
	}
	changed := make([]int, 0, len(diff.Components))
	for cid, cdiff := range diff.Components {
		merged, err := mergeNode(r.components[cid], cdiff)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", cid, err)
		}
		comps[cid] = merged
		changed = append(changed, cid)
	}
	sort.Ints(changed)

	r.root = root
	r.components = comps
	return changed, nil
}

// resolve replaces shared template references with their statics
func resolve(n *Node, templates map[int][]string) error {
	if n == nil {
		return nil
	}
	if n.HasRef && n.Statics == nil {
		statics, ok := templates[n.TemplateRef]
		if !ok {
			return fmt.Errorf("%w: template %d", ErrUnknownTemplate, n.TemplateRef)
		}
		n.Statics = statics
	}
	for _, v := range n.Dynamics {
		if err := resolve(v.Node, templates); err != nil {
			return err
		}
	}
	for _, entry := range n.Entries {
		for _, v := range entry {
			if err := resolve(v.Node, templates); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeNode returns old updated by diff without mutating old
func mergeNode(old, diff *Node) (*Node, error) {
	if diff.HasStatics() {
		if err := complete(diff); err != nil {
			return nil, err
		}
		if old != nil && old.StreamName != "" && diff.StreamName == "" {
			diff.StreamName = old.StreamName
		}
		return diff, nil
	}
	if old == nil {
		return nil, fmt.Errorf("%w: dynamics for a position without cached statics", ErrUnknownTemplate)
	}

	merged := &Node{
		Statics:       old.Statics,
		TemplateRef:   old.TemplateRef,
		HasRef:        old.HasRef,
		Comprehension: old.Comprehension,
		Entries:       old.Entries,
		Stream:        old.Stream,
		StreamName:    old.StreamName,
		Dynamics:      make(map[int]*Value, len(old.Dynamics)),
	}
	for k, v := range old.Dynamics {
		merged.Dynamics[k] = v
	}

	if diff.Comprehension {
		for _, entry := range diff.Entries {
			for _, v := range entry {
				if err := complete(v.Node); err != nil {
					return nil, err
				}
			}
		}
		merged.Comprehension = true
		merged.Entries = diff.Entries
		merged.Stream = diff.Stream
		if diff.StreamName != "" {
			merged.StreamName = diff.StreamName
		}
	}

	for k, v := range diff.Dynamics {
		if v.Node == nil {
			merged.Dynamics[k] = v
			continue
		}
		var prev *Node
		if ov, ok := old.Dynamics[k]; ok {
			prev = ov.Node
		}
		m, err := mergeNode(prev, v.Node)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", k, err)
		}
		merged.Dynamics[k] = &Value{Node: m}
	}
	return merged, nil
}

// complete checks that n and everything below it carries statics
func complete(n *Node) error {
	if n == nil {
		return nil
	}
	if !n.HasStatics() {
		return fmt.Errorf("%w: nested position without statics", ErrUnknownTemplate)
	}
	for _, v := range n.Dynamics {
		if err := complete(v.Node); err != nil {
			return err
		}
	}
	for _, entry := range n.Entries {
		for _, v := range entry {
			if err := complete(v.Node); err != nil {
				return err
			}
		}
	}
	return nil
}
