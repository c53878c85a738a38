package graphapi

import (
	"sort"
)

// Node is a graph node with its role resolved.
type Node struct {
	ID         string
	ClassType  string
	Title      string
	Role       Role
	LoaderKind string
	Polarity   Polarity
	Inputs     map[string]Value
}

func newNode(id string, pn PromptNode) *Node {
	role, kind := RoleOf(pn.ClassType)
	n := &Node{
		ID:         id,
		ClassType:  pn.ClassType,
		Role:       role,
		LoaderKind: kind,
		Inputs:     make(map[string]Value, len(pn.Inputs)),
	}
	if pn.Meta != nil {
		n.Title = pn.Meta.Title
	}
	for k, v := range pn.Inputs {
		n.Inputs[k] = v.clone()
	}
	return n
}

func (n *Node) clone() *Node {
	c := *n
	c.Inputs = make(map[string]Value, len(n.Inputs))
	for k, v := range n.Inputs {
		c.Inputs[k] = v.clone()
	}
	return &c
}

// Input returns the named input.
func (n *Node) Input(name string) (Value, bool) {
	v, ok := n.Inputs[name]
	return v, ok
}

// HasInput reports whether the node declares the named input.
func (n *Node) HasInput(name string) bool {
	_, ok := n.Inputs[name]
	return ok
}

// LinkInput returns the link wired to the named input, if any.
func (n *Node) LinkInput(name string) (Link, bool) {
	v, ok := n.Inputs[name]
	if !ok || v.Link == nil {
		return Link{}, false
	}
	return *v.Link, true
}

// Links returns every outgoing edge reference of the node, ordered by input name.
func (n *Node) Links() []Link {
	names := make([]string, 0, len(n.Inputs))
	for k, v := range n.Inputs {
		if v.IsLink() {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := make([]Link, 0, len(names))
	for _, k := range names {
		out = append(out, *n.Inputs[k].Link)
	}
	return out
}

func (n *Node) toPrompt() PromptNode {
	pn := PromptNode{
		ClassType: n.ClassType,
		Inputs:    make(map[string]Value, len(n.Inputs)),
	}
	if n.Title != "" {
		pn.Meta = &NodeMeta{Title: n.Title}
	}
	for k, v := range n.Inputs {
		pn.Inputs[k] = v.clone()
	}
	return pn
}
