package executor

import (
	"sort"

	"github.com/k11v/enclave/internal/interpreter"
)

// dependencies returns, for each instruction, the indexes of the earlier
// instructions it must wait for. An instruction waits for the producers of
// the references it reads, for the previous instruction touching any of its
// services and for the producers of the files artifacts it mounts.
// A print waits for everything before it so that output keeps its place.
func dependencies(instructions []*interpreter.Instruction) [][]int {
	deps := make([][]int, len(instructions))
	lastService := make(map[string]int)
	producer := make(map[string]int)

	for i, instr := range instructions {
		set := make(map[int]bool)
		for _, ref := range instr.Inputs() {
			if ref.Index < i {
				set[ref.Index] = true
			}
		}
		for _, name := range instr.Services() {
			if j, ok := lastService[name]; ok {
				set[j] = true
			}
			lastService[name] = i
		}
		for _, id := range instr.ArtifactsUsed() {
			if j, ok := producer[id]; ok {
				set[j] = true
			}
		}
		for _, name := range instr.ArtifactsProduced() {
			producer[name] = i
		}
		if instr.Print != nil {
			for j := 0; j < i; j++ {
				set[j] = true
			}
		}
		if i > 0 && instructions[i-1].Print != nil {
			set[i-1] = true
		}

		for j := range set {
			deps[i] = append(deps[i], j)
		}
		sort.Ints(deps[i])
	}
	return deps
}
