package graphapi

import (
	"encoding/json"
)

// Conditioning tells whether a graph is driven by text alone or by a source image.
type Conditioning int

const (
	TextConditioned Conditioning = iota
	ImageConditioned
)

func (c Conditioning) String() string {
	if c == ImageConditioned {
		return "image"
	}
	return "text"
}

// GraphTemplate is an immutable, validated API-format graph. It has no mutators;
// node accessors return copies and Instantiate returns a deep copy to bind.
type GraphTemplate struct {
	name         string
	nodes        map[string]*Node
	order        []string
	sampler      string
	positive     string
	conditioning Conditioning
}

// NewGraphTemplate resolves node roles and validates the graph:
//   - it is not empty and every link resolves to a node in the graph
//   - it is acyclic
//   - it has exactly one Sampler whose "positive" input is linked to a PromptEncoder
//   - it has at most one VideoMuxer
//   - it has an ImageLoader (image-conditioned) or a LatentSizer (text-conditioned)
func NewGraphTemplate(name string, nodes map[string]PromptNode) (*GraphTemplate, error) {
	if len(nodes) == 0 {
		return nil, invalidTemplate(name, "graph has no nodes")
	}

	t := &GraphTemplate{
		name:  name,
		nodes: make(map[string]*Node, len(nodes)),
	}

	ids := make([]string, 0, len(nodes))
	for id, pn := range nodes {
		if pn.ClassType == "" {
			return nil, invalidTemplate(name, "node %s has no class_type", id).WithField("node", id)
		}
		t.nodes[id] = newNode(id, pn)
		ids = append(ids, id)
	}
	sortIDs(ids)

	if err := validateLinks(name, t.nodes, ids); err != nil {
		return nil, err
	}

	order, err := topoOrder(name, t.nodes, ids)
	if err != nil {
		return nil, err
	}
	t.order = order

	if err := t.resolveRoles(ids); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *GraphTemplate) resolveRoles(ids []string) error {
	var samplers, muxers, imageLoaders, sizers []string
	for _, id := range ids {
		switch t.nodes[id].Role {
		case RoleSampler:
			samplers = append(samplers, id)
		case RoleVideoMuxer:
			muxers = append(muxers, id)
		case RoleImageLoader:
			imageLoaders = append(imageLoaders, id)
		case RoleLatentSizer:
			sizers = append(sizers, id)
		}
	}

	if len(samplers) != 1 {
		return invalidTemplate(t.name, "expected exactly one sampler, found %d", len(samplers))
	}
	t.sampler = samplers[0]

	if len(muxers) > 1 {
		return invalidTemplate(t.name, "expected at most one video muxer, found %d", len(muxers))
	}

	pos, ok := t.nodes[t.sampler].LinkInput("positive")
	if !ok {
		return invalidTemplate(t.name, "sampler %s has no linked positive input", t.sampler)
	}
	if t.nodes[pos.NodeID].Role != RolePromptEncoder {
		return invalidTemplate(t.name, "sampler positive input links to %s (%s), not a prompt encoder",
			pos.NodeID, t.nodes[pos.NodeID].ClassType)
	}
	t.positive = pos.NodeID

	for _, id := range ids {
		n := t.nodes[id]
		if n.Role != RolePromptEncoder {
			continue
		}
		if id == t.positive {
			n.Polarity = PolarityPositive
		} else {
			n.Polarity = PolarityNegative
		}
	}

	switch {
	case len(imageLoaders) > 0:
		t.conditioning = ImageConditioned
	case len(sizers) > 0:
		t.conditioning = TextConditioned
	default:
		return invalidTemplate(t.name, "graph has neither an image loader nor a latent sizer")
	}
	return nil
}

// Name of the template.
func (t *GraphTemplate) Name() string { return t.name }

// Conditioning derived at construction.
func (t *GraphTemplate) Conditioning() Conditioning { return t.conditioning }

// ImageConditioned reports whether binding requires a source image.
func (t *GraphTemplate) ImageConditioned() bool { return t.conditioning == ImageConditioned }

// Len returns the number of nodes.
func (t *GraphTemplate) Len() int { return len(t.nodes) }

// NodeIDs returns the node ids in topological order.
func (t *GraphTemplate) NodeIDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Node returns a copy of the node with the given id.
func (t *GraphTemplate) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

// NodesByRole returns copies of all nodes with the given role, in topological order.
func (t *GraphTemplate) NodesByRole(role Role) []Node {
	var out []Node
	for _, id := range t.order {
		if n := t.nodes[id]; n.Role == role {
			out = append(out, *n.clone())
		}
	}
	return out
}

// SamplerID is the id of the single Sampler node.
func (t *GraphTemplate) SamplerID() string { return t.sampler }

// PositiveEncoderID is the encoder linked to the Sampler's positive input.
func (t *GraphTemplate) PositiveEncoderID() string { return t.positive }

// Instantiate returns a deep copy of the template ready to be bound.
func (t *GraphTemplate) Instantiate() *GraphInstance {
	inst := &GraphInstance{
		template:     t.name,
		nodes:        make(map[string]*Node, len(t.nodes)),
		order:        t.NodeIDs(),
		sampler:      t.sampler,
		conditioning: t.conditioning,
	}
	for id, n := range t.nodes {
		inst.nodes[id] = n.clone()
	}
	return inst
}

// PromptNodes returns the template in API wire form.
func (t *GraphTemplate) PromptNodes() map[string]PromptNode {
	out := make(map[string]PromptNode, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = n.toPrompt()
	}
	return out
}

func (t *GraphTemplate) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.PromptNodes())
}

// ParseTemplate decodes an API-format graph and validates it.
func ParseTemplate(name string, data []byte) (*GraphTemplate, error) {
	var nodes map[string]PromptNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, invalidTemplate(name, "decode: %v", err)
	}
	return NewGraphTemplate(name, nodes)
}
