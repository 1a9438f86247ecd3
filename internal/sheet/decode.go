package sheet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema constrains the persisted sheet document before it is bound
// to the Go model. Variant-specific data fields stay loose on purpose; the
// structural lint rules in validate.go pick up what a schema cannot express.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "nodes", "connections"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "default_version_id": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "label"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["constant", "input", "function", "sheet", "lut", "output", "comment"]
          },
          "label": {"type": "string"},
          "inputs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["key"],
              "properties": {"key": {"type": "string", "minLength": 1}}
            }
          },
          "outputs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["key"],
              "properties": {"key": {"type": "string", "minLength": 1}}
            }
          },
          "data": {
            "type": "object",
            "properties": {
              "min": {"type": ["number", "null"]},
              "max": {"type": ["number", "null"]},
              "dataType": {"type": "string"},
              "options": {"type": "array", "items": {"type": "string"}},
              "code": {"type": "string"},
              "sheetId": {"type": "string"},
              "versionId": {"type": "string"},
              "rows": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["key", "values"],
                  "properties": {
                    "values": {"type": "object"}
                  }
                }
              },
              "description": {"type": "string"},
              "hidden": {"type": "boolean"}
            }
          }
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_id", "target_id"],
        "properties": {
          "id": {"type": "string"},
          "source_id": {"type": "string", "minLength": 1},
          "source_port": {"type": "string"},
          "target_id": {"type": "string", "minLength": 1},
          "target_port": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("parascope://sheet.schema.json", documentSchema)

// DecodeDocument validates raw JSON against the sheet document schema and
// binds it to a Sheet. Schema failures come back before any decoding so the
// caller sees the document path that is wrong, not a Go unmarshal error.
func DecodeDocument(raw []byte) (*Sheet, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("sheet document is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("sheet document failed schema validation: %w", err)
	}
	var s Sheet
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode sheet document: %w", err)
	}
	for _, n := range s.Nodes {
		if _, ok := ParseKind(string(n.Kind)); !ok {
			return nil, fmt.Errorf("node %s has unknown type %q", n.ID, n.Kind)
		}
		n.Data.Value = normalizeNumbers(n.Data.Value)
		for i := range n.Data.Rows {
			n.Data.Rows[i].Key = normalizeNumbers(n.Data.Rows[i].Key)
			if vals, ok := normalizeNumbers(n.Data.Rows[i].Values).(map[string]any); ok {
				n.Data.Rows[i].Values = vals
			}
		}
	}
	return &s, nil
}

// normalizeNumbers rewrites json.Number values into int where the literal
// has no fraction and float64 otherwise, so integer constants stay integers
// through arithmetic.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.Atoi(t.String()); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// DecodeVersionDocument binds a version snapshot document. The embedded
// sheet goes through the same schema gate as a standalone document.
func DecodeVersionDocument(raw []byte) (*Version, error) {
	var probe struct {
		ID      string          `json:"id"`
		SheetID string          `json:"sheet_id"`
		Tag     string          `json:"tag"`
		Sheet   json.RawMessage `json:"sheet"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("version document is not valid JSON: %w", err)
	}
	if len(probe.Sheet) == 0 || strings.TrimSpace(string(probe.Sheet)) == "null" {
		return nil, fmt.Errorf("version document has no sheet snapshot")
	}
	inner, err := DecodeDocument(probe.Sheet)
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode version document: %w", err)
	}
	v.Sheet = inner
	return &v, nil
}
