package interpreter

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/k11v/enclave/internal/service"
)

const (
	typeServiceConfig         = "ServiceConfig"
	typePortSpec              = "PortSpec"
	typeExecRecipe            = "ExecRecipe"
	typeGetHttpRequestRecipe  = "GetHttpRequestRecipe"
	typePostHttpRequestRecipe = "PostHttpRequestRecipe"
)

type field struct {
	param string // starlark.UnpackArgs parameter name, optional ones end with "?"
	def   func() starlark.Value
}

func str(s string) func() starlark.Value { return func() starlark.Value { return starlark.String(s) } }

func num(n int) func() starlark.Value { return func() starlark.Value { return starlark.MakeInt(n) } }

func dict() starlark.Value { return starlark.NewDict(0) }

func list() starlark.Value { return starlark.NewList(nil) }

// typedStruct builds a constructor whose values are structs tagged with the constructor's name.
func typedStruct(name string, fields ...field) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		values := make([]starlark.Value, len(fields))
		pairs := make([]any, 0, 2*len(fields))
		for i, f := range fields {
			values[i] = f.def()
			pairs = append(pairs, f.param, &values[i])
		}
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, pairs...); err != nil {
			return nil, err
		}
		d := make(starlark.StringDict, len(fields))
		for i, f := range fields {
			d[strings.TrimSuffix(f.param, "?")] = values[i]
		}
		return starlarkstruct.FromStringDict(starlark.String(name), d), nil
	})
}

var predeclaredTypes = starlark.StringDict{
	typeServiceConfig: typedStruct(typeServiceConfig,
		field{"image", str("")},
		field{"ports?", dict},
		field{"public_ports?", dict},
		field{"files?", dict},
		field{"entrypoint?", list},
		field{"cmd?", list},
		field{"env_vars?", dict},
		field{"subnetwork?", str("")},
		field{"cpu_allocation?", num(0)},
		field{"memory_allocation?", num(0)},
	),
	typePortSpec: typedStruct(typePortSpec,
		field{"number", num(0)},
		field{"transport_protocol?", str(string(service.TransportProtocolTCP))},
		field{"application_protocol?", str("")},
		field{"wait?", str("")},
	),
	typeExecRecipe: typedStruct(typeExecRecipe,
		field{"command", list},
	),
	typeGetHttpRequestRecipe: typedStruct(typeGetHttpRequestRecipe,
		field{"port_id", str("")},
		field{"endpoint", str("")},
		field{"extract?", dict},
	),
	typePostHttpRequestRecipe: typedStruct(typePostHttpRequestRecipe,
		field{"port_id", str("")},
		field{"endpoint", str("")},
		field{"body?", str("")},
		field{"content_type?", str("application/json")},
		field{"extract?", dict},
	),
}

// structOf returns v as a struct built by the constructor named typeName.
func structOf(v starlark.Value, typeName string) (*starlarkstruct.Struct, error) {
	s, ok := v.(*starlarkstruct.Struct)
	if !ok || s.Constructor() != starlark.String(typeName) {
		return nil, fmt.Errorf("got %s, want %s", v.Type(), typeName)
	}
	return s, nil
}

func attr(s *starlarkstruct.Struct, name string) starlark.Value {
	v, err := s.Attr(name)
	if err != nil || v == nil {
		return starlark.None
	}
	return v
}

func toString(v starlark.Value, what string) (string, error) {
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s: got %s, want string", what, v.Type())
	}
	return s, nil
}

func toInt(v starlark.Value, what string) (int, error) {
	var n int
	if err := starlark.AsInt(v, &n); err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return n, nil
}

func toStringList(v starlark.Value, what string) ([]string, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want list", what, v.Type())
	}
	var out []string
	it := iterable.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		s, err := toString(x, what)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toIntList(v starlark.Value, what string) ([]int, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want list", what, v.Type())
	}
	var out []int
	it := iterable.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		n, err := toInt(x, what)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// toDict converts a dict with string keys, converting each value with conv.
func toDict[T any](v starlark.Value, what string, conv func(starlark.Value, string) (T, error)) (map[string]T, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want dict", what, v.Type())
	}
	out := make(map[string]T, d.Len())
	for _, item := range d.Items() {
		k, err := toString(item[0], what+" key")
		if err != nil {
			return nil, err
		}
		value, err := conv(item[1], what+"["+k+"]")
		if err != nil {
			return nil, err
		}
		out[k] = value
	}
	return out, nil
}

func toPort(v starlark.Value, what string) (service.Port, error) {
	s, err := structOf(v, typePortSpec)
	if err != nil {
		return service.Port{}, fmt.Errorf("%s: %w", what, err)
	}
	number, err := toInt(attr(s, "number"), what+".number")
	if err != nil {
		return service.Port{}, err
	}
	if number < 1 || number > 65535 {
		return service.Port{}, fmt.Errorf("%s: port number %d is outside 1-65535", what, number)
	}
	protocol, err := toString(attr(s, "transport_protocol"), what+".transport_protocol")
	if err != nil {
		return service.Port{}, err
	}
	appProtocol, err := toString(attr(s, "application_protocol"), what+".application_protocol")
	if err != nil {
		return service.Port{}, err
	}
	wait, err := toString(attr(s, "wait"), what+".wait")
	if err != nil {
		return service.Port{}, err
	}
	return service.Port{
		Number:              uint16(number),
		TransportProtocol:   service.TransportProtocol(protocol),
		ApplicationProtocol: appProtocol,
		WaitTimeout:         wait,
	}, nil
}

func toServiceConfig(v starlark.Value, what string) (*service.Config, error) {
	s, err := structOf(v, typeServiceConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	c := &service.Config{}
	if c.Image, err = toString(attr(s, "image"), what+".image"); err != nil {
		return nil, err
	}
	if c.Ports, err = toDict(attr(s, "ports"), what+".ports", toPort); err != nil {
		return nil, err
	}
	if c.PublicPorts, err = toDict(attr(s, "public_ports"), what+".public_ports", toPort); err != nil {
		return nil, err
	}
	if c.Files, err = toDict(attr(s, "files"), what+".files", toString); err != nil {
		return nil, err
	}
	if c.Entrypoint, err = toStringList(attr(s, "entrypoint"), what+".entrypoint"); err != nil {
		return nil, err
	}
	if c.Cmd, err = toStringList(attr(s, "cmd"), what+".cmd"); err != nil {
		return nil, err
	}
	if c.Env, err = toDict(attr(s, "env_vars"), what+".env_vars", toString); err != nil {
		return nil, err
	}
	if c.Subnetwork, err = toString(attr(s, "subnetwork"), what+".subnetwork"); err != nil {
		return nil, err
	}
	if c.CPUAllocationMillicpus, err = toInt(attr(s, "cpu_allocation"), what+".cpu_allocation"); err != nil {
		return nil, err
	}
	if c.MemoryAllocationMB, err = toInt(attr(s, "memory_allocation"), what+".memory_allocation"); err != nil {
		return nil, err
	}
	return c, nil
}

func toRecipe(v starlark.Value, what string) (*Recipe, error) {
	s, ok := v.(*starlarkstruct.Struct)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want a recipe", what, v.Type())
	}
	switch s.Constructor() {
	case starlark.String(typeExecRecipe):
		command, err := toStringList(attr(s, "command"), what+".command")
		if err != nil {
			return nil, err
		}
		if len(command) == 0 {
			return nil, fmt.Errorf("%s.command: empty command", what)
		}
		return &Recipe{Exec: &ExecRecipe{Command: command}}, nil
	case starlark.String(typeGetHttpRequestRecipe), starlark.String(typePostHttpRequestRecipe):
		r := &HTTPRecipe{Method: "GET"}
		var err error
		if r.PortID, err = toString(attr(s, "port_id"), what+".port_id"); err != nil {
			return nil, err
		}
		if r.Endpoint, err = toString(attr(s, "endpoint"), what+".endpoint"); err != nil {
			return nil, err
		}
		if r.Extract, err = toDict(attr(s, "extract"), what+".extract", toString); err != nil {
			return nil, err
		}
		if s.Constructor() == starlark.String(typePostHttpRequestRecipe) {
			r.Method = "POST"
			if r.Body, err = toString(attr(s, "body"), what+".body"); err != nil {
				return nil, err
			}
			if r.ContentType, err = toString(attr(s, "content_type"), what+".content_type"); err != nil {
				return nil, err
			}
		}
		return &Recipe{HTTP: r}, nil
	}
	return nil, fmt.Errorf("%s: got %s, want a recipe", what, s.Constructor())
}

// serviceValue is what add_service returns to the script.
func serviceValue(name string, index int, config *service.Config) starlark.Value {
	names := make([]string, 0, len(config.Ports))
	for n := range config.Ports {
		names = append(names, n)
	}
	sort.Strings(names)

	ports := starlark.NewDict(len(config.Ports))
	for _, n := range names {
		p := config.Ports[n]
		_ = ports.SetKey(starlark.String(n), starlarkstruct.FromStringDict(starlark.String(typePortSpec), starlark.StringDict{
			"number":               starlark.MakeInt(int(p.Number)),
			"transport_protocol":   starlark.String(p.TransportProtocol),
			"application_protocol": starlark.String(p.ApplicationProtocol),
			"wait":                 starlark.String(p.WaitTimeout),
		}))
	}
	return starlarkstruct.FromStringDict(starlark.String("Service"), starlark.StringDict{
		"name":       starlark.String(name),
		"hostname":   starlark.String(Ref{Index: index, Field: name + ".hostname"}.String()),
		"ip_address": starlark.String(Ref{Index: index, Field: name + ".ip_address"}.String()),
		"ports":      ports,
	})
}

func refsValue(index int, fields []string) starlark.Value {
	d := make(starlark.StringDict, len(fields))
	extract := make(starlark.StringDict)
	for _, f := range fields {
		v := starlark.String(Ref{Index: index, Field: f}.String())
		if name, ok := strings.CutPrefix(f, "extract."); ok {
			extract[name] = v
		} else {
			d[f] = v
		}
	}
	if len(extract) > 0 {
		d["extract"] = starlarkstruct.FromStringDict(starlarkstruct.Default, extract)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, d)
}
