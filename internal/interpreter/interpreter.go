package interpreter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkjson"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	DefaultMainFile     = "main.star"
	DefaultMainFunction = "run"
	scriptFileName      = "[script]"
)

func init() {
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
	resolve.AllowSet = true
}

// InterpretationError is returned when a script can't be turned into a plan.
type InterpretationError struct {
	Message   string
	Backtrace string
}

func (e *InterpretationError) Error() string {
	if e.Backtrace == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Backtrace
}

type InterpretParams struct {
	// Script is the main file content when Package is nil.
	Script       string
	Package      *Package
	MainFile     string
	MainFunction string
	// Args is the JSON encoding of the second argument of the main function.
	Args string
}

// Plan is the result of interpretation.
type Plan struct {
	Instructions []*Instruction
	// Output is the serialized return value of the main function. It may contain references.
	Output string
	// Messages are what the script printed with the global print.
	Messages []string
}

// Interpret runs the main function of a script or package and records the
// instructions it declares. Nothing is executed.
func Interpret(ctx context.Context, params *InterpretParams) (*Plan, error) {
	mainFile := params.MainFile
	if mainFile == "" {
		mainFile = DefaultMainFile
	}
	mainFunction := params.MainFunction
	if mainFunction == "" {
		mainFunction = DefaultMainFunction
	}

	b := &builder{pkg: params.Package}
	plan := &Plan{}
	l := &loader{ctx: ctx, pkg: params.Package, modules: make(map[string]*module)}
	l.print = func(_ *starlark.Thread, msg string) {
		plan.Messages = append(plan.Messages, msg)
	}
	l.predeclared = starlark.StringDict{
		"struct":        starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":          starlarkjson.Module,
		"import_module": starlark.NewBuiltin("import_module", l.importModule),
		"read_file":     starlark.NewBuiltin("read_file", l.readFile),
	}
	for name, v := range predeclaredTypes {
		l.predeclared[name] = v
	}

	var src []byte
	filename := scriptFileName
	if params.Package != nil {
		var err error
		if src, err = params.Package.Read(mainFile); err != nil {
			return nil, &InterpretationError{Message: fmt.Sprintf("main file: %v", err)}
		}
		filename = mainFile
	} else {
		src = []byte(params.Script)
	}

	thread, stop := l.newThread("main")
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, src, l.predeclared)
	if err != nil {
		return nil, interpretationError(err)
	}

	fn, ok := globals[mainFunction].(*starlark.Function)
	if !ok {
		return nil, &InterpretationError{Message: fmt.Sprintf("no function %q in %s", mainFunction, filename)}
	}

	args := starlark.Tuple{b.planModule()}
	switch fn.NumParams() {
	case 1:
		if strings.TrimSpace(params.Args) != "" && strings.TrimSpace(params.Args) != "{}" {
			return nil, &InterpretationError{Message: fmt.Sprintf("%s takes no args but params were given", mainFunction)}
		}
	case 2:
		raw := params.Args
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		decoded, err := starlark.Call(thread, starlarkjson.Module.Members["decode"], starlark.Tuple{starlark.String(raw)}, nil)
		if err != nil {
			return nil, &InterpretationError{Message: fmt.Sprintf("params: %v", err)}
		}
		args = append(args, decoded)
	default:
		return nil, &InterpretationError{Message: fmt.Sprintf("%s must take (plan) or (plan, args)", mainFunction)}
	}

	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, interpretationError(err)
	}

	plan.Instructions = b.instructions
	if result != starlark.None {
		if plan.Output, err = encodeJSON(thread, result); err != nil {
			plan.Output = result.String()
		}
	}
	return plan, nil
}

func interpretationError(err error) *InterpretationError {
	evalErr := (*starlark.EvalError)(nil)
	if errors.As(err, &evalErr) {
		return &InterpretationError{Message: evalErr.Msg, Backtrace: evalErr.Backtrace()}
	}
	syntaxErr := syntax.Error{}
	if errors.As(err, &syntaxErr) {
		return &InterpretationError{Message: syntaxErr.Error()}
	}
	return &InterpretationError{Message: err.Error()}
}

type module struct {
	globals starlark.StringDict
	err     error
	loading bool
}

// loader executes package modules once and hands out their globals.
type loader struct {
	ctx         context.Context
	pkg         *Package
	predeclared starlark.StringDict
	print       func(*starlark.Thread, string)
	modules     map[string]*module
}

func (l *loader) newThread(name string) (*starlark.Thread, func() bool) {
	thread := &starlark.Thread{Name: name, Print: l.print, Load: l.load}
	stop := context.AfterFunc(l.ctx, func() {
		thread.Cancel("interpretation cancelled")
	})
	return thread, stop
}

func (l *loader) load(_ *starlark.Thread, locator string) (starlark.StringDict, error) {
	if l.pkg == nil {
		return nil, fmt.Errorf("can't load %q: scripts outside a package have no modules", locator)
	}
	rel, err := l.pkg.resolve(locator)
	if err != nil {
		return nil, err
	}

	if m, ok := l.modules[rel]; ok {
		if m.loading {
			return nil, fmt.Errorf("import cycle through %q", rel)
		}
		return m.globals, m.err
	}

	src, err := l.pkg.Read(rel)
	if err != nil {
		return nil, err
	}
	m := &module{loading: true}
	l.modules[rel] = m

	thread, stop := l.newThread(rel)
	defer stop()
	m.globals, m.err = starlark.ExecFile(thread, rel, src, l.predeclared)
	m.loading = false
	if m.globals != nil {
		m.globals.Freeze()
	}
	return m.globals, m.err
}

func (l *loader) importModule(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var locator string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "module_file", &locator); err != nil {
		return nil, err
	}
	globals, err := l.load(thread, locator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return &starlarkstruct.Module{Name: locator, Members: globals}, nil
}

func (l *loader) readFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src); err != nil {
		return nil, err
	}
	if l.pkg == nil {
		return nil, fmt.Errorf("%s: scripts outside a package have no files", fn.Name())
	}
	content, err := l.pkg.Read(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.String(content), nil
}
