package fibre

import (
	"context"
	"fmt"
	"strings"
)

// Dump renders the functions and attributes of the object, descending
// into child objects up to depth levels. Properties are read to show their
// current value.
func (obj *RemoteObject) Dump(ctx context.Context, depth int) string {
	return obj.dump(ctx, "", depth)
}

func (obj *RemoteObject) dump(ctx context.Context, indent string, depth int) string {
	if !obj.Live() {
		return "[object lost]"
	}
	if depth <= 0 {
		return "..."
	}

	var lines []string
	for _, fn := range obj.intf.Functions {
		lines = append(lines, indent+fn.Signature())
	}
	for _, attr := range obj.intf.Attributes {
		child, err := obj.Attribute(ctx, attr.Name)
		if err != nil {
			return "[failed to dump object]"
		}

		if !attr.Interface.IsProperty() {
			sep := ":\n"
			if depth == 1 {
				sep = ": "
			}
			lines = append(lines, indent+attr.Name+sep+child.dump(ctx, indent+"  ", depth-1))
			continue
		}

		val, err := child.Call(ctx, propertyReadFunction)
		if err != nil {
			return "[failed to dump object]"
		}
		lines = append(lines, fmt.Sprintf("%s%s: %v (%s)", indent, attr.Name, val, attr.Interface.propertyType()))
	}
	return strings.Join(lines, "\n")
}
