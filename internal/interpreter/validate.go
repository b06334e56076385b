package interpreter

import (
	"fmt"
	"maps"
	"strings"

	"github.com/k11v/enclave/internal/service"
)

// ValidationError lists every problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// Environment is the state of the enclave a plan is validated against.
type Environment struct {
	// Services maps live service names to their configs. A nil config skips port checks.
	Services map[string]*service.Config
	// ArtifactExists reports whether identifier refers to a stored files artifact.
	ArtifactExists func(identifier string) bool
	// Cached is the number of leading instructions that won't be executed again.
	Cached int
	// Recreate allows adding a live service, which replaces it.
	Recreate bool
}

// Validate walks the plan in order and checks every instruction against the
// services and artifacts that exist at that point.
func Validate(plan *Plan, env *Environment) error {
	services := maps.Clone(env.Services)
	if services == nil {
		services = make(map[string]*service.Config)
	}
	produced := make(map[string]bool)
	outputs := make(map[string]bool)
	var problems []string
	report := func(instr *Instruction, format string, args ...any) {
		problems = append(problems, fmt.Sprintf("%s at %s:%d: ", instr.Name, instr.Position.Filename, instr.Position.Line)+fmt.Sprintf(format, args...))
	}

	artifactKnown := func(id string) bool {
		if produced[id] || len(FindRefs(id)) > 0 {
			return true
		}
		return env.ArtifactExists != nil && env.ArtifactExists(id)
	}
	serviceKnown := func(instr *Instruction, name string) (*service.Config, bool) {
		config, ok := services[name]
		if !ok {
			report(instr, "service %q doesn't exist", name)
		}
		return config, ok
	}
	portKnown := func(instr *Instruction, serviceName string, recipe *HTTPRecipe) {
		config, ok := serviceKnown(instr, serviceName)
		if !ok || config == nil || recipe == nil {
			return
		}
		if _, ok = config.Ports[recipe.PortID]; !ok {
			report(instr, "service %q has no port %q", serviceName, recipe.PortID)
		}
	}

	for i, instr := range plan.Instructions {
		cached := i < env.Cached

		for _, ref := range instr.Inputs() {
			if ref.Index >= i || !outputs[ref.Key()] {
				report(instr, "reference %s isn't produced by an earlier instruction", ref)
			}
		}

		switch {
		case instr.AddServices != nil:
			for _, s := range instr.AddServices.Services {
				if _, ok := services[s.Name]; ok && !cached && !env.Recreate {
					report(instr, "service %q already exists", s.Name)
				}
				if err := s.Config.Validate(); err != nil {
					report(instr, "service %q: %v", s.Name, err)
				}
				for dir, id := range s.Config.Files {
					if !artifactKnown(id) {
						report(instr, "service %q mounts unknown files artifact %q at %s", s.Name, id, dir)
					}
				}
				services[s.Name] = s.Config
			}
		case instr.RemoveService != nil:
			if _, ok := serviceKnown(instr, instr.RemoveService.ServiceName); ok {
				delete(services, instr.RemoveService.ServiceName)
			}
		case instr.Exec != nil:
			serviceKnown(instr, instr.Exec.ServiceName)
		case instr.Request != nil:
			portKnown(instr, instr.Request.ServiceName, instr.Request.Recipe)
		case instr.Wait != nil:
			portKnown(instr, instr.Wait.ServiceName, instr.Wait.Recipe.HTTP)
		case instr.StoreServiceFiles != nil:
			serviceKnown(instr, instr.StoreServiceFiles.ServiceName)
		}

		for _, name := range instr.ArtifactsProduced() {
			if produced[name] {
				report(instr, "files artifact %q is produced twice", name)
			}
			produced[name] = true
		}
		for _, ref := range instr.Outputs() {
			outputs[ref.Key()] = true
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
