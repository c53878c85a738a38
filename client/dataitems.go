package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
)

// DataOutput is a file reference produced by a node. Text outputs carry Text instead.
type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
	Text      string `json:"-"` // for "text" type data output
}

// IsVideo reports whether the output looks like an animation or video file.
func (d DataOutput) IsVideo() bool {
	if strings.HasPrefix(d.Format, "video/") || d.Format == "image/gif" || d.Format == "image/webp" {
		return true
	}
	switch strings.ToLower(path.Ext(d.Filename)) {
	case ".mp4", ".webm", ".mov", ".mkv", ".gif", ".webp", ".avi":
		return true
	}
	return false
}

// parseDataOutputs converts a raw output list into DataOutputs, keeping bare
// strings as text entries.
func parseDataOutputs(raw interface{}) []DataOutput {
	val, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []DataOutput
	for _, i := range val {
		switch entry := i.(type) {
		case map[string]interface{}:
			filename, _ := entry["filename"].(string)
			if filename == "" {
				slog.Warn("output entry has no filename", "entry", fmt.Sprintf("%v", i))
				continue
			}
			d := DataOutput{Filename: filename}
			d.Subfolder, _ = entry["subfolder"].(string)
			d.Type, _ = entry["type"].(string)
			d.Format, _ = entry["format"].(string)
			if d.Type == "" {
				d.Type = "output"
			}
			out = append(out, d)
		case string:
			out = append(out, DataOutput{Type: "text", Text: entry})
		default:
			out = append(out, DataOutput{Type: "unknown", Text: fmt.Sprintf("%v", i)})
		}
	}
	return out
}

// NodeOutput maps an output kind ("gifs", "images", "videos", "text") to its entries.
type NodeOutput map[string][]DataOutput

func (n *NodeOutput) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(NodeOutput, len(raw))
	for k, v := range raw {
		if parsed := parseDataOutputs(v); parsed != nil {
			out[k] = parsed
		}
	}
	*n = out
	return nil
}

// HistoryStatus is the engine's execution status for one prompt.
type HistoryStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  [][]interface{} `json:"messages"`
}

// Failed reports an explicit engine-side failure.
func (s HistoryStatus) Failed() bool {
	return s.StatusStr == "error"
}

// Diagnostic returns the engine's failure payload: the execution_error or
// execution_interrupted message body when present, else the raw message list.
func (s HistoryStatus) Diagnostic() map[string]interface{} {
	for _, m := range s.Messages {
		if len(m) != 2 {
			continue
		}
		kind, _ := m[0].(string)
		if kind != "execution_error" && kind != "execution_interrupted" {
			continue
		}
		body, _ := m[1].(map[string]interface{})
		diag := map[string]interface{}{"type": kind}
		for k, v := range body {
			diag[k] = v
		}
		return diag
	}
	return map[string]interface{}{"status": s.StatusStr, "messages": s.Messages}
}

// HistoryEntry is one prompt's record from GET /history/{prompt_id}.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// FindArtifact returns the first video-like output. Nodes are visited in id
// order; "gifs" and "videos" entries win over other kinds, and "output" type
// files win over "temp" previews.
func (h *HistoryEntry) FindArtifact() (DataOutput, string, bool) {
	ids := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	var fallback *DataOutput
	var fallbackNode string
	for _, pass := range []func(kind string, d DataOutput) bool{
		func(kind string, d DataOutput) bool { return kind == "gifs" || kind == "videos" },
		func(kind string, d DataOutput) bool { return d.IsVideo() },
	} {
		for _, id := range ids {
			kinds := make([]string, 0, len(h.Outputs[id]))
			for k := range h.Outputs[id] {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				for _, d := range h.Outputs[id][kind] {
					if d.Filename == "" || !pass(kind, d) {
						continue
					}
					if d.Type == "output" {
						return d, id, true
					}
					if fallback == nil {
						d := d
						fallback, fallbackNode = &d, id
					}
				}
			}
		}
	}
	if fallback != nil {
		return *fallback, fallbackNode, true
	}
	return DataOutput{}, "", false
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type QueueExecInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// PromptErrorMessage is the body of a rejected POST /prompt, e.g.
//
//	{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": {}}
type PromptErrorMessage struct {
	Error      PromptError `json:"error"`
	NodeErrors interface{} `json:"node_errors"`
}

// Artifact is the fetched output of a completed job.
type Artifact struct {
	Output      DataOutput
	NodeID      string
	Data        []byte
	ContentType string
}

// Filename is the engine-side file name of the artifact.
func (a *Artifact) Filename() string { return a.Output.Filename }
