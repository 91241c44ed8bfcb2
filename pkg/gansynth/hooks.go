package gansynth

import (
	"fmt"
	"iter"
	"slices"

	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Priority of hooks: the lowest values are run first. Hooks with the same priority run in the order they
// were registered.
type Priority int

// StepInfo describes a finished training iteration.
type StepInfo struct {
	// Step is the global step read at the start of the iteration, before the generator update.
	Step int64

	Stage pggan.Stage

	DiscriminatorLoss, GeneratorLoss float64

	// Real and RealLabels are the batch of real data used in the discriminator update.
	Real, RealLabels *tensors.Tensor

	// Latents and Labels are the inputs used in the generator update.
	Latents, Labels *tensors.Tensor
}

// HookFn is called after a training iteration. Errors are logged and otherwise ignored.
type HookFn func(m *Model, info *StepInfo) error

type hookWithName struct {
	name string
	fn   HookFn
}

// priorityHooks organizes hooks per priority.
type priorityHooks struct {
	hooks map[Priority][]*hookWithName
}

func newPriorityHooks() *priorityHooks {
	return &priorityHooks{hooks: make(map[Priority][]*hookWithName)}
}

func (h *priorityHooks) Add(priority Priority, hook *hookWithName) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks) All() iter.Seq[*hookWithName] {
	return func(yield func(*hookWithName) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// OnStep registers a hook called after every training iteration.
func (m *Model) OnStep(name string, priority Priority, fn HookFn) {
	m.hooks.Add(priority, &hookWithName{name: name, fn: fn})
}

// EveryNSteps registers a hook called after the iterations whose global step (read before the generator
// update) is a multiple of n. This includes step 0.
func (m *Model) EveryNSteps(n int, name string, priority Priority, fn HookFn) {
	if n <= 0 {
		return
	}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	m.OnStep(fullName, priority, func(m *Model, info *StepInfo) error {
		if info.Step%int64(n) != 0 {
			return nil
		}
		return fn(m, info)
	})
}
