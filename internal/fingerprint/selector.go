package fingerprint

import (
	"encoding/binary"
	"slices"
	"strings"

	"github.com/roach88/hermetic/internal/ir"
)

// DeriveSelector computes the selector for a set of observed inputs and
// the pip's declared outputs.
//
// ContentHash covers the sorted, de-duplicated (path, kind, hash) tuples.
// Output is an existence bitmap over the outputs in recorded order, an
// executable bitmap in the same order and a 4-byte big-endian count,
// truncated to ir.MaxSelectorOutput.
func DeriveSelector(observed []ir.ObservedInput, declaredOutputs []ir.OutputRef) ir.Selector {
	inputs := normalizeObserved(observed)
	tuples := make(ir.IRArray, len(inputs))
	for i, in := range inputs {
		tuples[i] = ir.IRArray{
			ir.IRString(in.Path),
			ir.IRString(string(in.Kind)),
			ir.IRString(in.Hash.String()),
		}
	}
	encoded, _ := ir.MarshalCanonical(tuples)
	return ir.NewSelector(ir.HashWithDomain(ir.DomainSelector, encoded), OutputTag(declaredOutputs))
}

// OutputTag renders the existence and executable bitmaps of outputs plus
// their count.
func OutputTag(outputs []ir.OutputRef) []byte {
	n := (len(outputs) + 7) / 8
	tag := make([]byte, 2*n, 2*n+4)
	exists, exec := tag[:n], tag[n:]
	for i, o := range outputs {
		bit := byte(1) << (7 - uint(i%8))
		if !o.Hash.IsZero() {
			exists[i/8] |= bit
		}
		if o.Executable {
			exec[i/8] |= bit
		}
	}
	return binary.BigEndian.AppendUint32(tag, uint32(len(outputs)))
}

// normalizeObserved sorts by path and keeps the first entry per path.
func normalizeObserved(observed []ir.ObservedInput) []ir.ObservedInput {
	out := slices.Clone(observed)
	slices.SortStableFunc(out, func(a, b ir.ObservedInput) int {
		return strings.Compare(a.Path, b.Path)
	})
	return slices.CompactFunc(out, func(a, b ir.ObservedInput) bool {
		return a.Path == b.Path
	})
}
