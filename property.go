package fibre

import (
	"context"
	"fmt"
)

// Get returns the value of the property name of the object, read through
// its `read` function. Attributes which are not properties are returned
// as objects.
func (obj *RemoteObject) Get(ctx context.Context, name string) (any, error) {
	child, err := obj.Attribute(ctx, name)
	if err != nil {
		return nil, err
	}
	if !child.intf.IsProperty() {
		return child, nil
	}
	return child.Call(ctx, propertyReadFunction)
}

// Set replaces the value of the writable property name of the object and
// returns the previous one.
func (obj *RemoteObject) Set(ctx context.Context, name string, val any) (any, error) {
	child, err := obj.Attribute(ctx, name)
	if err != nil {
		return nil, err
	}
	if !child.intf.IsWritableProperty() {
		return nil, fmt.Errorf("%w: %s.%s is a %s", ErrNotProperty, obj.intf.Name, name, child.intf.Name)
	}
	return child.Call(ctx, propertyExchangeFunction, val)
}

// propertyType is the wire type of the value held by a property
// interface, empty when unknown.
func (intf *Interface) propertyType() string {
	read, ok := intf.Function(propertyReadFunction)
	if !ok || len(read.Outputs) == 0 {
		return ""
	}
	return read.Outputs[0].CodecName
}
