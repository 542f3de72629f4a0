// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lower

import (
	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/pkg/errors"
)

// isAliasing returns whether the job's branches live inside its input: concatenations, splits
// and additions (whose operands are laid out back to back).
func isAliasing(job *jobs.Job) bool { return len(job.Branches) > 0 }

// PlanMemory backs every tensor the program uses with arena memory.
//
// Aliases are planned first: concatenations and additions from the last to the first (so a
// tensor aliased into a consumer is placed before its own branches are), then splits in order.
// Then the inputs of every job are created, and finally the outputs no job reads.
func PlanMemory(a *arena.Arena, p *Program) error {
	for i := len(p.Jobs) - 1; i >= 0; i-- {
		if job := p.Jobs[i]; isAliasing(job) && job.Kind != jobs.KindSplit {
			if err := p.alias(a, job); err != nil {
				return err
			}
		}
	}
	for _, job := range p.Jobs {
		if job.Kind == jobs.KindSplit {
			if err := p.alias(a, job); err != nil {
				return err
			}
		}
	}
	for _, job := range p.Jobs {
		if job.Kind.IsMarker() {
			continue
		}
		if err := p.create(a, job.Input); err != nil {
			return errors.WithMessagef(err, "input of %s", job)
		}
	}
	for _, job := range p.Jobs {
		if job.Kind.IsMarker() {
			continue
		}
		if err := p.create(a, job.Output); err != nil {
			return errors.WithMessagef(err, "output of %s", job)
		}
	}
	return nil
}

func (p *Program) create(a *arena.Arena, idx int) error {
	if a.IsBacked(idx) {
		return nil
	}
	size, found := p.Sizes[idx]
	if !found {
		return errors.Errorf("lower: tensor #%d has no known size", idx)
	}
	return a.Create(idx, size)
}

// alias creates the job input at the total size of its branches, and places the branches
// back to back in it.
func (p *Program) alias(a *arena.Arena, job *jobs.Job) error {
	total := 0
	for _, b := range job.Branches {
		total += p.Sizes[b]
	}
	if size := p.Sizes[job.Input]; size != total {
		return errors.Errorf("lower: branches of %s sum to %d bytes, the tensor has %d", job, total, size)
	}
	if err := a.Create(job.Input, total); err != nil {
		return errors.WithMessagef(err, "planning %s", job)
	}
	offset := 0
	for _, b := range job.Branches {
		if err := a.Alias(b, job.Input, offset, p.Sizes[b]); err != nil {
			return errors.WithMessagef(err, "planning %s", job)
		}
		offset += p.Sizes[b]
	}
	return nil
}
