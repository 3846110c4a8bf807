package graphload

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// parseCUE evaluates a single CUE file and decodes the concrete result.
// Definitions and constraints inside the file are allowed; the exported
// value must be concrete.
func parseCUE(path string, data []byte) (*document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(path, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(path, err)
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, cueLoadError(path, err)
	}
	for iter.Next() {
		switch label := iter.Selector().String(); label {
		case "include", "sources", "seals", "pips":
		default:
			return nil, &LoadError{Code: ErrCodeFormat, File: path, Line: iter.Value().Pos().Line(), Message: fmt.Sprintf("unknown field %q", label)}
		}
	}

	doc := &document{Path: path}
	if err := v.Decode(doc); err != nil {
		return nil, cueLoadError(path, err)
	}
	doc.Path = path
	recordLines(v, "seals", len(doc.Seals), func(i, line int) { doc.Seals[i].line = line })
	recordLines(v, "pips", len(doc.Pips), func(i, line int) { doc.Pips[i].line = line })
	return doc, nil
}

func recordLines(v cue.Value, field string, n int, set func(i, line int)) {
	list, err := v.LookupPath(cue.ParsePath(field)).List()
	if err != nil {
		return
	}
	for i := 0; list.Next() && i < n; i++ {
		set(i, list.Value().Pos().Line())
	}
}
