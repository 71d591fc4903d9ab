package fibre

import (
	"fmt"
	"strings"
)

const (
	propertyPrefix           = "fibre.Property<"
	writablePropertyPrefix   = "fibre.Property<readwrite "
	propertyReadFunction     = "read"
	propertyExchangeFunction = "exchange"
)

// Interface describes what can be done with the remote objects
// implementing it, as reported by the engine. Interfaces are loaded once
// per runtime and never change afterwards.
type Interface struct {
	Handle     Handle
	Name       string
	Functions  []*Function
	Attributes []Attribute
}

// Attribute is a named child object reachable from an object.
type Attribute struct {
	Index     int
	Name      string
	Interface *Interface
}

func (intf *Interface) Function(name string) (*Function, bool) {
	for _, fn := range intf.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}

func (intf *Interface) Attribute(name string) (Attribute, bool) {
	for _, attr := range intf.Attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

// IsProperty reports whether objects of this interface wrap a single value
// readable through a `read` function.
func (intf *Interface) IsProperty() bool {
	return strings.HasPrefix(intf.Name, propertyPrefix) && strings.HasSuffix(intf.Name, ">")
}

// IsWritableProperty reports whether the value can also be replaced
// through an `exchange` function.
func (intf *Interface) IsWritableProperty() bool {
	return intf.IsProperty() && strings.HasPrefix(intf.Name, writablePropertyPrefix)
}

func (intf *Interface) String() string {
	return intf.Name
}

// loadInterface returns the cached interface or fetches its description
// from the engine. It must run on the executor.
func (rt *Runtime) loadInterface(h Handle) (*Interface, error) {
	if intf, ok := rt.interfaces[h]; ok {
		return intf, nil
	}

	info, err := rt.engine.InterfaceInfo(h)
	if err != nil {
		return nil, fmt.Errorf("interface %d: %w", h, err)
	}

	// Registered before its attributes so that an interface can refer to
	// itself.
	intf := &Interface{Handle: h, Name: info.Name}
	rt.interfaces[h] = intf

	attrs := make([]Attribute, 0, len(info.Attributes))
	for i, a := range info.Attributes {
		child, err := rt.loadInterface(a.Interface)
		if err != nil {
			delete(rt.interfaces, h)
			return nil, fmt.Errorf("attribute %s of %s: %w", a.Name, info.Name, err)
		}
		attrs = append(attrs, Attribute{Index: i, Name: a.Name, Interface: child})
	}

	fns := make([]*Function, 0, len(info.Functions))
	for _, fh := range info.Functions {
		fn, err := rt.loadFunction(fh)
		if err != nil {
			delete(rt.interfaces, h)
			return nil, fmt.Errorf("function of %s: %w", info.Name, err)
		}
		fns = append(fns, fn)
	}

	intf.Attributes = attrs
	intf.Functions = fns
	rt.logger.Debug("interface loaded", LabelInterface.L(intf.Name), LabelHandle.L(h))
	return intf, nil
}

// loadFunction returns the cached function or fetches its signature from
// the engine. It must run on the executor.
func (rt *Runtime) loadFunction(h Handle) (*Function, error) {
	if fn, ok := rt.functions[h]; ok {
		return fn, nil
	}

	info, err := rt.engine.FunctionInfo(h)
	if err != nil {
		return nil, fmt.Errorf("function %d: %w", h, err)
	}
	inputs, err := loadArgs(info.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs of %s: %w", info.Name, err)
	}
	outputs, err := loadArgs(info.Outputs)
	if err != nil {
		return nil, fmt.Errorf("outputs of %s: %w", info.Name, err)
	}

	fn := &Function{
		rt:      rt,
		Handle:  h,
		Name:    info.Name,
		Inputs:  inputs,
		Outputs: outputs,
	}
	rt.functions[h] = fn
	return fn, nil
}

func loadArgs(infos []ArgInfo) ([]Arg, error) {
	args := make([]Arg, 0, len(infos))
	for _, info := range infos {
		codec, err := LookupCodec(info.Codec)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", info.Name, err)
		}
		args = append(args, Arg{Name: info.Name, CodecName: info.Codec, Codec: codec})
	}
	return args, nil
}
