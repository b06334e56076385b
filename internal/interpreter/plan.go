package interpreter

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkjson"
	"go.starlark.net/starlarkstruct"

	"github.com/k11v/enclave/internal/runevent"
	"github.com/k11v/enclave/internal/service"
)

// builder collects instructions while the main function runs.
type builder struct {
	instructions []*Instruction
	pkg          *Package
}

func (b *builder) add(thread *starlark.Thread, instr *Instruction, args ...runevent.Argument) *Instruction {
	instr.Index = len(b.instructions)
	instr.Position = callerPosition(thread)
	instr.Arguments = args
	b.instructions = append(b.instructions, instr)
	return instr
}

func callerPosition(thread *starlark.Thread) runevent.Position {
	if thread.CallStackDepth() < 2 {
		return runevent.Position{}
	}
	pos := thread.CallFrame(1).Pos
	return runevent.Position{Filename: pos.Filename(), Line: pos.Line, Column: pos.Col}
}

func arg(name string, v starlark.Value, representative bool) runevent.Argument {
	return runevent.Argument{SerializedArgValue: v.String(), ArgName: name, IsRepresentative: representative}
}

// nextArtifactName is the name of an artifact the script didn't name. It depends
// only on the instruction index so that interpretation stays deterministic.
func (b *builder) nextArtifactName() string {
	return fmt.Sprintf("artifact-%d", len(b.instructions))
}

func (b *builder) planModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plan",
		Members: starlark.StringDict{
			BuiltinAddService:        starlark.NewBuiltin(BuiltinAddService, b.addService),
			BuiltinAddServices:       starlark.NewBuiltin(BuiltinAddServices, b.addServices),
			BuiltinRemoveService:     starlark.NewBuiltin(BuiltinRemoveService, b.removeService),
			BuiltinExec:              starlark.NewBuiltin(BuiltinExec, b.exec),
			BuiltinRequest:           starlark.NewBuiltin(BuiltinRequest, b.request),
			BuiltinWait:              starlark.NewBuiltin(BuiltinWait, b.wait),
			BuiltinPrint:             starlark.NewBuiltin(BuiltinPrint, b.print),
			BuiltinUploadFiles:       starlark.NewBuiltin(BuiltinUploadFiles, b.uploadFiles),
			BuiltinStoreServiceFiles: starlark.NewBuiltin(BuiltinStoreServiceFiles, b.storeServiceFiles),
			BuiltinRenderTemplates:   starlark.NewBuiltin(BuiltinRenderTemplates, b.renderTemplates),
		},
	}
}

func (b *builder) addService(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var configValue starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "config", &configValue); err != nil {
		return nil, err
	}
	if err := service.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	config, err := toServiceConfig(configValue, "config")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	instr := b.add(thread, &Instruction{
		Name:        BuiltinAddService,
		Description: fmt.Sprintf("Adding service '%s'", name),
		AddServices: &AddServices{Services: []*ServiceToAdd{{Name: name, Config: config}}},
	}, arg("name", starlark.String(name), true), arg("config", configValue, false))
	return serviceValue(name, instr.Index, config), nil
}

func (b *builder) addServices(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var configs *starlark.Dict
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "configs", &configs); err != nil {
		return nil, err
	}

	var toAdd []*ServiceToAdd
	for _, item := range configs.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: configs key: got %s, want string", fn.Name(), item[0].Type())
		}
		if err := service.ValidateName(name); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		config, err := toServiceConfig(item[1], "configs["+name+"]")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		toAdd = append(toAdd, &ServiceToAdd{Name: name, Config: config})
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Name < toAdd[j].Name })

	names := make([]string, 0, len(toAdd))
	for _, s := range toAdd {
		names = append(names, s.Name)
	}
	instr := b.add(thread, &Instruction{
		Name:        BuiltinAddServices,
		Description: fmt.Sprintf("Adding services '%s'", strings.Join(names, "', '")),
		AddServices: &AddServices{Services: toAdd},
	}, arg("configs", configs, true))

	result := starlark.NewDict(len(toAdd))
	for _, s := range toAdd {
		_ = result.SetKey(starlark.String(s.Name), serviceValue(s.Name, instr.Index, s.Config))
	}
	return result, nil
}

func (b *builder) removeService(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	b.add(thread, &Instruction{
		Name:          BuiltinRemoveService,
		Description:   fmt.Sprintf("Removing service '%s'", name),
		RemoveService: &RemoveService{ServiceName: name},
	}, arg("name", starlark.String(name), true))
	return starlark.None, nil
}

func (b *builder) exec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var serviceName string
	var recipeValue starlark.Value
	var codesValue starlark.Value = starlark.NewList([]starlark.Value{starlark.MakeInt(0)})
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "service_name", &serviceName, "recipe", &recipeValue, "acceptable_codes?", &codesValue); err != nil {
		return nil, err
	}
	recipe, err := toRecipe(recipeValue, "recipe")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if recipe.Exec == nil {
		return nil, fmt.Errorf("%s: recipe: want %s", fn.Name(), typeExecRecipe)
	}
	codes, err := toIntList(codesValue, "acceptable_codes")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	instr := b.add(thread, &Instruction{
		Name:        BuiltinExec,
		Description: fmt.Sprintf("Executing command on service '%s'", serviceName),
		Exec:        &Exec{ServiceName: serviceName, Recipe: recipe.Exec, AcceptableCodes: codes},
	}, arg("service_name", starlark.String(serviceName), true), arg("recipe", recipeValue, true))
	return refsValue(instr.Index, fieldNames(instr.Outputs())), nil
}

func (b *builder) request(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var serviceName string
	var recipeValue starlark.Value
	var codesValue starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "service_name", &serviceName, "recipe", &recipeValue, "acceptable_codes?", &codesValue); err != nil {
		return nil, err
	}
	recipe, err := toRecipe(recipeValue, "recipe")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if recipe.HTTP == nil {
		return nil, fmt.Errorf("%s: recipe: want an HTTP request recipe", fn.Name())
	}
	codes, err := toIntList(codesValue, "acceptable_codes")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	instr := b.add(thread, &Instruction{
		Name:        BuiltinRequest,
		Description: fmt.Sprintf("Running %s request on service '%s'", recipe.HTTP.Method, serviceName),
		Request:     &Request{ServiceName: serviceName, Recipe: recipe.HTTP, AcceptableCodes: codes},
	}, arg("service_name", starlark.String(serviceName), true), arg("recipe", recipeValue, true))
	return refsValue(instr.Index, fieldNames(instr.Outputs())), nil
}

var assertions = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, ">": true, "<": true, "IN": true, "NOT_IN": true,
}

func (b *builder) wait(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var serviceName, field, assertion string
	var recipeValue, target starlark.Value
	interval, timeout := "1s", "15m"
	err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"service_name", &serviceName,
		"recipe", &recipeValue,
		"field", &field,
		"assertion", &assertion,
		"target_value", &target,
		"interval?", &interval,
		"timeout?", &timeout,
	)
	if err != nil {
		return nil, err
	}
	recipe, err := toRecipe(recipeValue, "recipe")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	for _, d := range []string{interval, timeout} {
		if _, err = time.ParseDuration(d); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	if !assertions[assertion] {
		return nil, fmt.Errorf("%s: unknown assertion %q", fn.Name(), assertion)
	}
	if (assertion == "IN" || assertion == "NOT_IN") && !isList(target) {
		return nil, fmt.Errorf("%s: assertion %s needs a list target_value", fn.Name(), assertion)
	}
	targetJSON, err := encodeJSON(thread, target)
	if err != nil {
		return nil, fmt.Errorf("%s: target_value: %w", fn.Name(), err)
	}

	instr := b.add(thread, &Instruction{
		Name:        BuiltinWait,
		Description: fmt.Sprintf("Waiting for %s %s %s on service '%s'", field, assertion, target.String(), serviceName),
		Wait: &Wait{
			ServiceName: serviceName,
			Recipe:      recipe,
			Field:       field,
			Assertion:   assertion,
			Target:      targetJSON,
			Interval:    interval,
			Timeout:     timeout,
		},
	},
		arg("service_name", starlark.String(serviceName), true),
		arg("recipe", recipeValue, true),
		arg("field", starlark.String(field), true),
		arg("assertion", starlark.String(assertion), true),
		arg("target_value", target, true),
		arg("interval", starlark.String(interval), false),
		arg("timeout", starlark.String(timeout), false),
	)
	return refsValue(instr.Index, fieldNames(instr.Outputs())), nil
}

func isList(v starlark.Value) bool {
	switch v.(type) {
	case *starlark.List, starlark.Tuple:
		return true
	}
	return false
}

func (b *builder) print(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	text, ok := starlark.AsString(msg)
	if !ok {
		text = msg.String()
	}
	b.add(thread, &Instruction{
		Name:        BuiltinPrint,
		Description: "Printing a message",
		Print:       &Print{Message: text},
	}, arg("msg", msg, true))
	return starlark.None, nil
}

func (b *builder) uploadFiles(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	name := ""
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "name?", &name); err != nil {
		return nil, err
	}
	if b.pkg == nil {
		return nil, fmt.Errorf("%s: scripts outside a package have no files to upload", fn.Name())
	}
	files, err := b.pkg.Glob(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if name == "" {
		name = b.nextArtifactName()
	}
	b.add(thread, &Instruction{
		Name:        BuiltinUploadFiles,
		Description: fmt.Sprintf("Uploading %s as files artifact '%s'", src, name),
		UploadFiles: &UploadFiles{ArtifactName: name, Files: files},
	}, arg("src", starlark.String(src), true), arg("name", starlark.String(name), true))
	return starlark.String(name), nil
}

func (b *builder) storeServiceFiles(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var serviceName, src string
	name := ""
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "service_name", &serviceName, "src", &src, "name?", &name); err != nil {
		return nil, err
	}
	if !path.IsAbs(src) {
		return nil, fmt.Errorf("%s: src %q must be an absolute path", fn.Name(), src)
	}
	if name == "" {
		name = b.nextArtifactName()
	}
	b.add(thread, &Instruction{
		Name:              BuiltinStoreServiceFiles,
		Description:       fmt.Sprintf("Storing %s from service '%s' as files artifact '%s'", src, serviceName, name),
		StoreServiceFiles: &StoreServiceFiles{ServiceName: serviceName, Src: src, ArtifactName: name},
	}, arg("service_name", starlark.String(serviceName), true), arg("src", starlark.String(src), true), arg("name", starlark.String(name), true))
	return starlark.String(name), nil
}

func (b *builder) renderTemplates(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var config *starlark.Dict
	name := ""
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "config", &config, "name?", &name); err != nil {
		return nil, err
	}

	templates := make(map[string]*Template, config.Len())
	for _, item := range config.Items() {
		dest, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: config key: got %s, want string", fn.Name(), item[0].Type())
		}
		s, ok := item[1].(*starlarkstruct.Struct)
		if !ok {
			return nil, fmt.Errorf("%s: config[%s]: got %s, want struct(template, data)", fn.Name(), dest, item[1].Type())
		}
		text, err := toString(attr(s, "template"), "config["+dest+"].template")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		data, err := encodeJSON(thread, attr(s, "data"))
		if err != nil {
			return nil, fmt.Errorf("%s: config[%s].data: %w", fn.Name(), dest, err)
		}
		templates[path.Clean(dest)] = &Template{Template: text, Data: data}
	}
	if name == "" {
		name = b.nextArtifactName()
	}
	b.add(thread, &Instruction{
		Name:            BuiltinRenderTemplates,
		Description:     fmt.Sprintf("Rendering %d templates to files artifact '%s'", len(templates), name),
		RenderTemplates: &RenderTemplates{ArtifactName: name, Templates: templates},
	}, arg("config", config, true), arg("name", starlark.String(name), true))
	return starlark.String(name), nil
}

func fieldNames(refs []Ref) []string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Field)
	}
	return names
}

func encodeJSON(thread *starlark.Thread, v starlark.Value) (string, error) {
	encoded, err := starlark.Call(thread, starlarkjson.Module.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return "", err
	}
	s, _ := starlark.AsString(encoded)
	return s, nil
}
