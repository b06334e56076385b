package interpreter

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/k11v/enclave/internal/runevent"
	"github.com/k11v/enclave/internal/service"
)

const (
	BuiltinAddService        = "add_service"
	BuiltinAddServices       = "add_services"
	BuiltinRemoveService     = "remove_service"
	BuiltinExec              = "exec"
	BuiltinRequest           = "request"
	BuiltinWait              = "wait"
	BuiltinPrint             = "print"
	BuiltinUploadFiles       = "upload_files"
	BuiltinStoreServiceFiles = "store_service_files"
	BuiltinRenderTemplates   = "render_templates"
)

// Instruction is one side effect of a plan. Exactly one of the effect fields is set.
type Instruction struct {
	Index       int
	Position    runevent.Position
	Name        string
	Arguments   []runevent.Argument
	Description string

	AddServices       *AddServices       `json:",omitempty"`
	RemoveService     *RemoveService     `json:",omitempty"`
	Exec              *Exec              `json:",omitempty"`
	Request           *Request           `json:",omitempty"`
	Wait              *Wait              `json:",omitempty"`
	Print             *Print             `json:",omitempty"`
	UploadFiles       *UploadFiles       `json:",omitempty"`
	StoreServiceFiles *StoreServiceFiles `json:",omitempty"`
	RenderTemplates   *RenderTemplates   `json:",omitempty"`
}

type ServiceToAdd struct {
	Name   string
	Config *service.Config
}

type AddServices struct {
	Services []*ServiceToAdd
}

type RemoveService struct {
	ServiceName string
}

type ExecRecipe struct {
	Command []string
}

type HTTPRecipe struct {
	Method      string
	PortID      string
	Endpoint    string
	Body        string
	ContentType string
	// Extract maps a field name to a gjson path evaluated on the response body.
	Extract map[string]string
}

// Recipe is either an ExecRecipe or an HTTPRecipe.
type Recipe struct {
	Exec *ExecRecipe `json:",omitempty"`
	HTTP *HTTPRecipe `json:",omitempty"`
}

type Exec struct {
	ServiceName     string
	Recipe          *ExecRecipe
	AcceptableCodes []int
}

type Request struct {
	ServiceName     string
	Recipe          *HTTPRecipe
	AcceptableCodes []int
}

type Wait struct {
	ServiceName string
	Recipe      *Recipe
	Field       string
	Assertion   string
	// Target is the JSON encoding of the value the field is compared with.
	Target   string
	Interval string
	Timeout  string
}

type Print struct {
	Message string
}

type FileToUpload struct {
	Path    string
	Content []byte
}

type UploadFiles struct {
	ArtifactName string
	Files        []*FileToUpload
}

type StoreServiceFiles struct {
	ServiceName  string
	Src          string
	ArtifactName string
}

type Template struct {
	Template string
	// Data is the JSON encoding of the template data.
	Data string
}

type RenderTemplates struct {
	ArtifactName string
	Templates    map[string]*Template
}

// Fingerprint is the hex BLAKE3 of the instruction's name and effect.
// Position, description and index don't contribute.
func (i *Instruction) Fingerprint() string {
	effect := *i
	effect.Index = 0
	effect.Position = runevent.Position{}
	effect.Arguments = nil
	effect.Description = ""
	data, err := json.Marshal(&effect)
	if err != nil {
		panic(err) // every effect type is plain data
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExecutableForm renders the instruction as the call that produced it.
func (i *Instruction) ExecutableForm() string {
	args := make([]string, 0, len(i.Arguments))
	for _, a := range i.Arguments {
		if a.ArgName == "" {
			args = append(args, a.SerializedArgValue)
		} else {
			args = append(args, a.ArgName+"="+a.SerializedArgValue)
		}
	}
	return i.Name + "(" + strings.Join(args, ", ") + ")"
}

func (i *Instruction) Event(skipped bool) *runevent.Event {
	return &runevent.Event{Instruction: &runevent.Instruction{
		Index:          i.Index,
		Position:       i.Position,
		Name:           i.Name,
		Arguments:      i.Arguments,
		ExecutableForm: i.ExecutableForm(),
		IsSkipped:      skipped,
		Description:    i.Description,
	}}
}

// Outputs returns the references the instruction produces.
func (i *Instruction) Outputs() []Ref {
	var fields []string
	switch {
	case i.AddServices != nil:
		for _, s := range i.AddServices.Services {
			fields = append(fields, s.Name+".ip_address", s.Name+".hostname")
		}
	case i.Exec != nil:
		fields = []string{"code", "output"}
	case i.Request != nil:
		fields = append([]string{"code", "body"}, extractFields(i.Request.Recipe)...)
	case i.Wait != nil:
		if i.Wait.Recipe.Exec != nil {
			fields = []string{"code", "output"}
		} else {
			fields = append([]string{"code", "body"}, extractFields(i.Wait.Recipe.HTTP)...)
		}
	}
	refs := make([]Ref, 0, len(fields))
	for _, f := range fields {
		refs = append(refs, Ref{Index: i.Index, Field: f})
	}
	return refs
}

func extractFields(r *HTTPRecipe) []string {
	fields := make([]string, 0, len(r.Extract))
	for name := range r.Extract {
		fields = append(fields, "extract."+name)
	}
	sort.Strings(fields)
	return fields
}

// Inputs returns the references the instruction's effect mentions.
func (i *Instruction) Inputs() []Ref {
	effect := *i
	effect.Arguments = nil
	effect.Description = ""
	data, err := json.Marshal(&effect)
	if err != nil {
		panic(err)
	}
	return FindRefs(string(data))
}

// Services returns the service names the instruction creates, removes or uses.
func (i *Instruction) Services() []string {
	switch {
	case i.AddServices != nil:
		names := make([]string, 0, len(i.AddServices.Services))
		for _, s := range i.AddServices.Services {
			names = append(names, s.Name)
		}
		return names
	case i.RemoveService != nil:
		return []string{i.RemoveService.ServiceName}
	case i.Exec != nil:
		return []string{i.Exec.ServiceName}
	case i.Request != nil:
		return []string{i.Request.ServiceName}
	case i.Wait != nil:
		return []string{i.Wait.ServiceName}
	case i.StoreServiceFiles != nil:
		return []string{i.StoreServiceFiles.ServiceName}
	}
	return nil
}

// ArtifactsProduced returns the files artifact names the instruction creates.
func (i *Instruction) ArtifactsProduced() []string {
	switch {
	case i.UploadFiles != nil:
		return []string{i.UploadFiles.ArtifactName}
	case i.StoreServiceFiles != nil:
		return []string{i.StoreServiceFiles.ArtifactName}
	case i.RenderTemplates != nil:
		return []string{i.RenderTemplates.ArtifactName}
	}
	return nil
}

// ArtifactsUsed returns the files artifact identifiers the instruction mounts.
func (i *Instruction) ArtifactsUsed() []string {
	if i.AddServices == nil {
		return nil
	}
	var used []string
	for _, s := range i.AddServices.Services {
		dirs := make([]string, 0, len(s.Config.Files))
		for dir := range s.Config.Files {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		for _, dir := range dirs {
			used = append(used, s.Config.Files[dir])
		}
	}
	return used
}
