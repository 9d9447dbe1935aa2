package uniquekey

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Extract derives one Tuple per definition of the policy, in policy order.
func Extract(p Policy, doc map[string]types.AttributeValue) []Tuple {
	tuples := make([]Tuple, len(p.UniqueKeys))
	for i, def := range p.UniqueKeys {
		tuples[i] = ExtractDefinition(def, doc)
	}
	return tuples
}

// ExtractDefinition derives the Tuple for a single definition.
func ExtractDefinition(d Definition, doc map[string]types.AttributeValue) Tuple {
	return ExtractPaths(d.Paths, doc)
}

// ExtractPaths reads each path of doc in order.
func ExtractPaths(paths []string, doc map[string]types.AttributeValue) Tuple {
	t := make(Tuple, len(paths))
	for i, p := range paths {
		t[i] = ExtractPath(p, doc)
	}
	return t
}

// ExtractPath reads the value at path. Paths that are malformed, missing, out of range,
// or that descend through a scalar yield Undefined.
func ExtractPath(path string, doc map[string]types.AttributeValue) Value {
	segs, err := ParsePath(path)
	if err != nil || doc == nil {
		return Undefined()
	}
	var cur types.AttributeValue = &types.AttributeValueMemberM{Value: doc}
	for _, seg := range segs {
		switch c := cur.(type) {
		case *types.AttributeValueMemberM:
			next, ok := c.Value[seg]
			if !ok {
				return Undefined()
			}
			cur = next
		case *types.AttributeValueMemberL:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c.Value) {
				return Undefined()
			}
			cur = c.Value[idx]
		default:
			return Undefined()
		}
	}
	return FromAttribute(cur)
}
