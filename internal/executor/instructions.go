package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/service"
)

var (
	ErrUnacceptableCode = errors.New("code isn't acceptable")
	ErrExtractFailed    = errors.New("couldn't extract field from response body")
	ErrWaitTimedOut     = errors.New("wait timed out")
	ErrFieldNotFound    = errors.New("recipe has no such field")
)

// execute performs the side effect of instr, whose references are already
// resolved, and returns its serialized result.
func (e *Executor) execute(ctx context.Context, instr *interpreter.Instruction, recreate bool, parallelism int) (string, error) {
	// Only waiting is interrupted by cancellation. Other effects run to
	// completion so the enclave never holds half-started services.
	effectCtx := context.WithoutCancel(ctx)

	switch {
	case instr.AddServices != nil:
		return e.addServices(effectCtx, instr, recreate, parallelism)
	case instr.RemoveService != nil:
		id, err := e.Network.RemoveService(effectCtx, instr.RemoveService.ServiceName)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Service '%s' with service UUID '%s' removed", instr.RemoveService.ServiceName, id), nil
	case instr.Exec != nil:
		return e.exec(effectCtx, instr)
	case instr.Request != nil:
		return e.request(effectCtx, instr)
	case instr.Wait != nil:
		return e.wait(ctx, instr)
	case instr.Print != nil:
		return instr.Print.Message, nil
	case instr.UploadFiles != nil:
		return e.uploadFiles(effectCtx, instr.UploadFiles)
	case instr.StoreServiceFiles != nil:
		s := instr.StoreServiceFiles
		a, err := e.Network.StoreServiceFiles(effectCtx, s.ServiceName, s.Src, s.ArtifactName)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Files with artifact name '%s' uploaded with artifact UUID '%s'", a.Name, a.UUID), nil
	case instr.RenderTemplates != nil:
		return e.renderTemplates(effectCtx, instr.RenderTemplates)
	}
	return "", fmt.Errorf("instruction %s has no effect", instr.Name)
}

func (e *Executor) addServices(ctx context.Context, instr *interpreter.Instruction, recreate bool, parallelism int) (string, error) {
	toAdd := instr.AddServices.Services
	added := make(map[string]*service.Service, len(toAdd))

	if recreate {
		for _, s := range toAdd {
			started, err := e.Network.ReplaceService(ctx, s.Name, s.Config)
			if err != nil {
				return "", err
			}
			added[s.Name] = started
		}
	} else {
		configs := make(map[string]*service.Config, len(toAdd))
		for _, s := range toAdd {
			configs[s.Name] = s.Config
		}
		result := e.Network.AddServices(ctx, configs, parallelism)
		if len(result.Failed) > 0 {
			names := make([]string, 0, len(result.Failed))
			for name := range result.Failed {
				names = append(names, name)
			}
			sort.Strings(names)
			errs := make([]error, 0, len(names))
			for _, name := range names {
				errs = append(errs, result.Failed[name])
			}
			return "", errors.Join(errs...)
		}
		added = result.Succeeded
	}

	for _, s := range toAdd {
		started := added[s.Name]
		e.Values.Set(interpreter.Ref{Index: instr.Index, Field: s.Name + ".ip_address"}, started.PrivateIP)
		e.Values.Set(interpreter.Ref{Index: instr.Index, Field: s.Name + ".hostname"}, started.Name)
	}

	if instr.Name == interpreter.BuiltinAddService {
		s := added[toAdd[0].Name]
		return fmt.Sprintf("Service '%s' added with service UUID '%s'", s.Name, s.UUID), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Successfully added the following '%d' services:", len(toAdd))
	for _, s := range toAdd {
		fmt.Fprintf(&b, "\n  Service '%s' added with UUID '%s'", s.Name, added[s.Name].UUID)
	}
	return b.String(), nil
}

func (e *Executor) exec(ctx context.Context, instr *interpreter.Instruction) (string, error) {
	fields, err := e.runRecipe(ctx, instr.Exec.ServiceName, &interpreter.Recipe{Exec: instr.Exec.Recipe})
	if err != nil {
		return "", err
	}
	e.setFields(instr.Index, fields)

	code, _ := strconv.Atoi(fields["code"])
	if !acceptable(code, instr.Exec.AcceptableCodes, func(c int) bool { return c == 0 }) {
		return "", fmt.Errorf("%w: exec returned exit code %d, want one of %v; output: %s", ErrUnacceptableCode, code, codesOrDefault(instr.Exec.AcceptableCodes, "[0]"), fields["output"])
	}

	if fields["output"] == "" {
		return fmt.Sprintf("Command returned with exit code '%d' with no output", code), nil
	}
	return fmt.Sprintf("Command returned with exit code '%d' and the following output: %s", code, fields["output"]), nil
}

func (e *Executor) request(ctx context.Context, instr *interpreter.Instruction) (string, error) {
	r := instr.Request
	fields, err := e.runRecipe(ctx, r.ServiceName, &interpreter.Recipe{HTTP: r.Recipe})
	if err != nil {
		return "", err
	}
	e.setFields(instr.Index, fields)

	code, _ := strconv.Atoi(fields["code"])
	if !acceptable(code, r.AcceptableCodes, isSuccessStatus) {
		return "", fmt.Errorf("%w: request returned status %d, want one of %v", ErrUnacceptableCode, code, codesOrDefault(r.AcceptableCodes, "2xx"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request had response code '%d' and body %q", code, fields["body"])
	if len(r.Recipe.Extract) > 0 {
		b.WriteString(", with extracted fields:")
		for _, name := range sortedKeys(r.Recipe.Extract) {
			fmt.Fprintf(&b, "\n'%s': %s", name, fields["extract."+name])
		}
	}
	return b.String(), nil
}

// wait polls the recipe until the assertion holds or the timeout passes.
func (e *Executor) wait(ctx context.Context, instr *interpreter.Instruction) (string, error) {
	w := instr.Wait
	interval, err := time.ParseDuration(w.Interval)
	if err != nil {
		return "", fmt.Errorf("wait interval: %w", err)
	}
	timeout, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return "", fmt.Errorf("wait timeout: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		fields, err := e.runRecipe(ctx, w.ServiceName, w.Recipe)
		if err == nil {
			value, ok := fields[w.Field]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrFieldNotFound, w.Field)
			}
			if err = assert(value, w.Assertion, w.Target); err == nil {
				e.setFields(instr.Index, fields)
				e.logger().Debug("wait assertion passed", "attempts", attempt, "duration", time.Since(start))
				return fmt.Sprintf("Value obtained '%s'", value), nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w after %s and %d attempts: %w", ErrWaitTimedOut, timeout, attempt, lastErr)
			}
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runRecipe runs an exec or HTTP recipe and returns its fields by name.
func (e *Executor) runRecipe(ctx context.Context, serviceName string, recipe *interpreter.Recipe) (map[string]string, error) {
	if recipe.Exec != nil {
		result, err := e.Network.Exec(ctx, serviceName, recipe.Exec.Command)
		if err != nil {
			return nil, err
		}
		return map[string]string{"code": strconv.Itoa(result.ExitCode), "output": result.Output}, nil
	}

	r := recipe.HTTP
	resp, err := e.Network.HTTPRequest(ctx, &network.HTTPRequestParams{
		ServiceIdentifier: serviceName,
		PortID:            r.PortID,
		Method:            r.Method,
		Path:              r.Endpoint,
		Body:              r.Body,
		ContentType:       r.ContentType,
	})
	if err != nil {
		return nil, err
	}
	fields := map[string]string{"code": strconv.Itoa(resp.StatusCode), "body": string(resp.Body)}
	for name, path := range r.Extract {
		v := gjson.GetBytes(resp.Body, strings.TrimPrefix(path, "."))
		if !v.Exists() {
			return nil, fmt.Errorf("%w: %s with %q", ErrExtractFailed, name, path)
		}
		fields["extract."+name] = v.String()
	}
	return fields, nil
}

func (e *Executor) setFields(index int, fields map[string]string) {
	for field, value := range fields {
		e.Values.Set(interpreter.Ref{Index: index, Field: field}, value)
	}
}

func (e *Executor) uploadFiles(ctx context.Context, u *interpreter.UploadFiles) (string, error) {
	files := make([]*artifact.File, 0, len(u.Files))
	for _, f := range u.Files {
		files = append(files, &artifact.File{Path: f.Path, Content: f.Content})
	}
	archive, err := artifact.Archive(files)
	if err != nil {
		return "", err
	}
	a, err := e.Network.StoreArtifact(ctx, u.ArtifactName, archive)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Files with artifact name '%s' uploaded with artifact UUID '%s'", a.Name, a.UUID), nil
}

func (e *Executor) renderTemplates(ctx context.Context, r *interpreter.RenderTemplates) (string, error) {
	files := make([]*artifact.File, 0, len(r.Templates))
	for _, dest := range sortedKeys(r.Templates) {
		t := r.Templates[dest]
		tmpl, err := template.New(dest).Option("missingkey=error").Parse(t.Template)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", dest, err)
		}
		var data any
		if err = json.Unmarshal([]byte(t.Data), &data); err != nil {
			return "", fmt.Errorf("render %s: data: %w", dest, err)
		}
		var buf bytes.Buffer
		if err = tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("render %s: %w", dest, err)
		}
		files = append(files, &artifact.File{Path: dest, Content: buf.Bytes()})
	}
	archive, err := artifact.Archive(files)
	if err != nil {
		return "", err
	}
	a, err := e.Network.StoreArtifact(ctx, r.ArtifactName, archive)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Templates artifact name '%s' rendered with artifact UUID '%s'", a.Name, a.UUID), nil
}

func acceptable(code int, codes []int, fallback func(int) bool) bool {
	if len(codes) == 0 {
		return fallback(code)
	}
	return slices.Contains(codes, code)
}

func codesOrDefault(codes []int, def string) string {
	if len(codes) == 0 {
		return def
	}
	return fmt.Sprint(codes)
}

func isSuccessStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
