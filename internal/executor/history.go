package executor

import (
	"sync"

	"github.com/k11v/enclave/internal/interpreter"
)

// History is the fingerprints of the instructions that brought the enclave
// to its current state, in plan order.
type History struct {
	mu           sync.Mutex
	fingerprints []string
}

// CachedPrefix returns the number of leading instructions of plan whose
// fingerprints match the history.
func (h *History) CachedPrefix(plan *interpreter.Plan) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for n < len(plan.Instructions) && n < len(h.fingerprints) {
		if plan.Instructions[n].Fingerprint() != h.fingerprints[n] {
			break
		}
		n++
	}
	return n
}

func (h *History) Fingerprints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fingerprints...)
}

func (h *History) Set(fingerprints []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fingerprints = append([]string(nil), fingerprints...)
}

// Clear forgets every instruction. The next run executes its whole plan.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fingerprints = nil
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fingerprints)
}
