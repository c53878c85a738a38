package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string                `json:"client_id"`
	Nodes     map[string]PromptNode `json:"prompt"`
	ExtraData *PromptExtraData      `json:"extra_data,omitempty"`
}

// PromptNode is one node of an API-format graph.
type PromptNode struct {
	// Inputs hold either literals or links:
	//	"seed": 42
	//	"clip": ["4", 1]	link to output slot 1 of node "4"
	Inputs    map[string]Value `json:"inputs"`
	ClassType string           `json:"class_type"`
	Meta      *NodeMeta        `json:"_meta,omitempty"`
}

// NodeMeta is the optional UI metadata ComfyUI attaches to exported API graphs.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// PromptExtraData is passed through to saved outputs by the engine.
type PromptExtraData struct {
	PngInfo map[string]interface{} `json:"extra_pnginfo,omitempty"`
}
