package runevent

import (
	"errors"
	"time"
)

var ErrInvalidEvent = errors.New("event must have exactly one populated field")

type ErrorKind string

const (
	ErrorKindInterpretation ErrorKind = "INTERPRETATION"
	ErrorKindValidation     ErrorKind = "VALIDATION"
	ErrorKindExecution      ErrorKind = "EXECUTION"
)

type Position struct {
	Filename string `json:"filename"`
	Line     int32  `json:"line"`
	Column   int32  `json:"column"`
}

type Argument struct {
	SerializedArgValue string `json:"serialized_arg_value"`
	ArgName            string `json:"arg_name,omitempty"`
	IsRepresentative   bool   `json:"is_representative"`
}

// Instruction, InstructionResult and ProgressInfo carry the plan index of
// their instruction. Instructions run in parallel, so the events of different
// instructions interleave.
type Instruction struct {
	Index          int        `json:"instruction_index"`
	Position       Position   `json:"position"`
	Name           string     `json:"instruction_name"`
	Arguments      []Argument `json:"arguments"`
	ExecutableForm string     `json:"executable_instruction"`
	IsSkipped      bool       `json:"is_skipped"`
	Description    string     `json:"description"`
}

type InstructionResult struct {
	Index            int           `json:"instruction_index"`
	SerializedResult string        `json:"serialized_instruction_result"`
	Duration         time.Duration `json:"execution_duration"`
}

type ProgressInfo struct {
	Index             int      `json:"instruction_index"`
	CurrentStepInfo   []string `json:"current_step_info"`
	TotalSteps        uint32   `json:"total_steps"`
	CurrentStepNumber uint32   `json:"current_step_number"`
}

type Warning struct {
	Message string `json:"warning_message"`
}

type Info struct {
	Message string `json:"info_message"`
}

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"error_message"`
}

type RunFinished struct {
	IsRunSuccessful  bool   `json:"is_run_successful"`
	SerializedOutput string `json:"serialized_output,omitempty"`
}

// Event is a tagged union. Exactly one field is set.
type Event struct {
	Instruction       *Instruction       `json:"instruction,omitempty"`
	InstructionResult *InstructionResult `json:"instruction_result,omitempty"`
	ProgressInfo      *ProgressInfo      `json:"progress_info,omitempty"`
	Warning           *Warning           `json:"warning,omitempty"`
	Info              *Info              `json:"info,omitempty"`
	Error             *Error             `json:"error,omitempty"`
	RunFinished       *RunFinished       `json:"run_finished,omitempty"`
}

func (e *Event) Validate() error {
	n := 0
	for _, set := range []bool{
		e.Instruction != nil,
		e.InstructionResult != nil,
		e.ProgressInfo != nil,
		e.Warning != nil,
		e.Info != nil,
		e.Error != nil,
		e.RunFinished != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return ErrInvalidEvent
	}
	return nil
}

// IsPreExecutionError reports whether e is an interpretation or validation error.
func (e *Event) IsPreExecutionError() bool {
	return e.Error != nil && (e.Error.Kind == ErrorKindInterpretation || e.Error.Kind == ErrorKindValidation)
}

func NewInfo(message string) *Event {
	return &Event{Info: &Info{Message: message}}
}

func NewWarning(message string) *Event {
	return &Event{Warning: &Warning{Message: message}}
}

func NewError(kind ErrorKind, message string) *Event {
	return &Event{Error: &Error{Kind: kind, Message: message}}
}

// NewProgress reports that the instruction at plan index is starting.
func NewProgress(index int, total uint32, info ...string) *Event {
	return &Event{ProgressInfo: &ProgressInfo{
		Index:             index,
		CurrentStepInfo:   info,
		TotalSteps:        total,
		CurrentStepNumber: uint32(index + 1),
	}}
}

func NewInstructionResult(index int, result string, duration time.Duration) *Event {
	return &Event{InstructionResult: &InstructionResult{Index: index, SerializedResult: result, Duration: duration}}
}
