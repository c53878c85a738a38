package graphapi

import (
	"encoding/json"
	"fmt"
)

// GraphInstance is a deep copy of a GraphTemplate that is being, or has been, bound.
// It shares nothing with its template.
type GraphInstance struct {
	template     string
	nodes        map[string]*Node
	order        []string
	sampler      string
	conditioning Conditioning
}

// TemplateName is the name of the template this instance was copied from.
func (g *GraphInstance) TemplateName() string { return g.template }

// Conditioning of the source template.
func (g *GraphInstance) Conditioning() Conditioning { return g.conditioning }

// Node returns the mutable node with the given id.
func (g *GraphInstance) Node(id string) *Node { return g.nodes[id] }

// NodeIDs returns the node ids in topological order.
func (g *GraphInstance) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// NodesByRole returns the nodes with the given role, in topological order.
func (g *GraphInstance) NodesByRole(role Role) []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// Sampler returns the single Sampler node.
func (g *GraphInstance) Sampler() *Node { return g.nodes[g.sampler] }

// PositiveEncoder follows the Sampler's positive link on this instance.
func (g *GraphInstance) PositiveEncoder() (*Node, error) {
	link, ok := g.Sampler().LinkInput("positive")
	if !ok {
		return nil, invalidTemplate(g.template, "sampler %s has no linked positive input", g.sampler)
	}
	n, ok := g.nodes[link.NodeID]
	if !ok || n.Role != RolePromptEncoder {
		return nil, invalidTemplate(g.template, "sampler positive input does not link to a prompt encoder")
	}
	return n, nil
}

// SetLiteral overwrites a literal input. Wired inputs are left alone and reported.
func (n *Node) SetLiteral(name string, v interface{}) error {
	if cur, ok := n.Inputs[name]; ok && cur.IsLink() {
		return fmt.Errorf("node %s input %q is linked to %s", n.ID, name, cur.Link)
	}
	n.Inputs[name] = Lit(v)
	return nil
}

// PromptNodes returns the instance in API wire form.
func (g *GraphInstance) PromptNodes() map[string]PromptNode {
	out := make(map[string]PromptNode, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.toPrompt()
	}
	return out
}

// Prompt wraps the instance into the body posted to /prompt.
func (g *GraphInstance) Prompt(clientID string) *Prompt {
	return &Prompt{
		ClientID: clientID,
		Nodes:    g.PromptNodes(),
	}
}

func (g *GraphInstance) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.PromptNodes())
}
