package graphload

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// parseYAML decodes a YAML graph file, recording each seal's and pip's line.
func parseYAML(path string, data []byte) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, File: path, Message: "invalid YAML", Err: err}
	}
	doc := &document{Path: path}
	if len(root.Content) == 0 {
		return doc, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &LoadError{Code: ErrCodeFormat, File: path, Line: top.Line, Message: "top level must be a mapping"}
	}
	if err := top.Decode(doc); err != nil {
		return nil, &LoadError{Code: ErrCodeFormat, File: path, Message: "decode graph", Err: err}
	}

	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		switch key.Value {
		case "include", "sources", "seals", "pips":
		default:
			return nil, &LoadError{Code: ErrCodeFormat, File: path, Line: key.Line, Message: fmt.Sprintf("unknown field %q", key.Value)}
		}
		if val.Kind != yaml.SequenceNode {
			continue
		}
		for j, item := range val.Content {
			switch key.Value {
			case "seals":
				if j < len(doc.Seals) {
					doc.Seals[j].line = item.Line
				}
			case "pips":
				if j < len(doc.Pips) {
					doc.Pips[j].line = item.Line
				}
			}
		}
	}
	return doc, nil
}
