package gansynth

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ContextCheckpointer implements Checkpointer by saving the context (variables and hyperparameters) with
// the GoMLX checkpoints package.
type ContextCheckpointer struct {
	ctx           *context.Context
	dir           string
	keep          int
	excludeParams []string
	handler       *checkpoints.Handler
}

var _ Checkpointer = (*ContextCheckpointer)(nil)

// NewCheckpointer returns a Checkpointer saving to dir, keeping the last keep checkpoints (all if keep < 0).
// The hyperparameters in excludeParams are neither saved nor restored.
func NewCheckpointer(ctx *context.Context, dir string, keep int, excludeParams ...string) *ContextCheckpointer {
	return &ContextCheckpointer{ctx: ctx, dir: dir, keep: keep, excludeParams: excludeParams}
}

// build creates the handler, which loads the latest checkpoint in the directory, if there is any.
func (c *ContextCheckpointer) build() error {
	if c.handler != nil {
		return nil
	}
	config := checkpoints.Build(c.ctx).Dir(c.dir).Keep(c.keep)
	if len(c.excludeParams) > 0 {
		config = config.ExcludeParams(c.excludeParams...)
	}
	handler, err := config.Done()
	if err != nil {
		return errors.WithMessagef(err, "checkpoints in %q", c.dir)
	}
	c.handler = handler
	return nil
}

// RestoreLatest implements Checkpointer.
// Variables are restored as they are created, when the graphs are first built.
func (c *ContextCheckpointer) RestoreLatest() (found bool, err error) {
	if err = c.build(); err != nil {
		return false, err
	}
	return c.handler.HasCheckpoints()
}

// Save implements Checkpointer.
func (c *ContextCheckpointer) Save(step int64) error {
	if err := c.build(); err != nil {
		return err
	}
	err := exceptions.TryCatch[error](func() {
		if err := c.handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint at step %d", step)
	}
	klog.V(1).Infof("Saved checkpoint for step %d in %s", step, c.dir)
	return nil
}

// Dir returns the checkpoints directory.
func (c *ContextCheckpointer) Dir() string { return c.dir }
