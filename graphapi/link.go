package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Link is an edge reference to output slot Slot of node NodeID.
// On the wire it is the tuple ["4", 1].
type Link struct {
	NodeID string
	Slot   int
}

func (l Link) String() string {
	return fmt.Sprintf("%s:%d", l.NodeID, l.Slot)
}

func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{l.NodeID, l.Slot})
}

func (l *Link) UnmarshalJSON(b []byte) error {
	var tmp []interface{}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	link, ok := linkFromTuple(tmp)
	if !ok {
		return errors.New("link must be a [node_id, slot] tuple")
	}
	*l = link
	return nil
}

// linkFromTuple recognizes [string|number, number] as a link.
func linkFromTuple(tmp []interface{}) (Link, bool) {
	if len(tmp) != 2 {
		return Link{}, false
	}

	var id string
	switch v := tmp[0].(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatInt(int64(v), 10)
	case json.Number:
		id = v.String()
	default:
		return Link{}, false
	}

	var slot int
	switch v := tmp[1].(type) {
	case float64:
		if v != float64(int(v)) || v < 0 {
			return Link{}, false
		}
		slot = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return Link{}, false
		}
		slot = int(n)
	default:
		return Link{}, false
	}

	if id == "" {
		return Link{}, false
	}
	return Link{NodeID: id, Slot: slot}, true
}

// Value is a node input: either a literal (number, string, bool, or a nested
// JSON value) or a Link to another node's output.
type Value struct {
	Literal interface{}
	Link    *Link
}

// Lit wraps a literal.
func Lit(v interface{}) Value {
	return Value{Literal: v}
}

// Ref builds a link value.
func Ref(nodeID string, slot int) Value {
	return Value{Link: &Link{NodeID: nodeID, Slot: slot}}
}

// IsLink reports whether v is an edge reference.
func (v Value) IsLink() bool {
	return v.Link != nil
}

// String returns the literal as a string, or "" when it is not one.
func (v Value) String() string {
	s, _ := v.Literal.(string)
	return s
}

// Float returns the literal as a float64.
func (v Value) Float() (float64, bool) {
	switch n := v.Literal.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int returns the literal as an int64.
func (v Value) Int() (int64, bool) {
	switch n := v.Literal.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	f, ok := v.Float()
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func (v Value) clone() Value {
	if v.Link != nil {
		l := *v.Link
		return Value{Link: &l}
	}
	return Value{Literal: deepCopyJSON(v.Literal)}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Link != nil {
		return v.Link.MarshalJSON()
	}
	return json.Marshal(v.Literal)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if tmp, ok := raw.([]interface{}); ok {
		if link, ok := linkFromTuple(tmp); ok {
			*v = Value{Link: &link}
			return nil
		}
	}
	*v = Value{Literal: normalizeNumbers(raw)}
	return nil
}

// normalizeNumbers turns json.Number into int64 where exact, float64 otherwise,
// so literals round-trip as integers (seed 42 stays 42, not 42.0).
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalizeNumbers(t[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeNumbers(e)
		}
		return out
	}
	return v
}

func deepCopyJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = deepCopyJSON(t[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deepCopyJSON(e)
		}
		return out
	}
	return v
}
