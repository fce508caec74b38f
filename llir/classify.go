// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llir

import (
	"fmt"
	"log"

	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

// GPUMode is the parallel storage sub-mode of an array, consumed by
// device backends to pick between registers, shared memory and global
// memory.
type GPUMode int

// Parallel storage sub-modes.
const (
	// GPUUnset means the classifier has not run or the array is not
	// device-resident.
	GPUUnset GPUMode = iota
	// ThreadOnly arrays live in the registers of one thread.
	ThreadOnly
	// BlockOnly arrays live in the shared memory of one block.
	BlockOnly
	// ThreadParallel arrays are partitioned across threads: each thread
	// owns the cells of its sample position.
	ThreadParallel
	// BlockParallel arrays are partitioned across blocks.
	BlockParallel
	// Replicated arrays are copied into every block.
	Replicated
	// GPUConstant arrays live in device constant memory.
	GPUConstant
	// NonLocal arrays need cross-block coordination; the backend falls
	// back to global memory.
	NonLocal
)

// String representation of the sub-mode.
func (m GPUMode) String() string {
	switch m {
	case GPUUnset:
		return "unset"
	case ThreadOnly:
		return "thread-only"
	case BlockOnly:
		return "block-only"
	case ThreadParallel:
		return "thread-parallel"
	case BlockParallel:
		return "block-parallel"
	case Replicated:
		return "replicated"
	case GPUConstant:
		return "constant"
	case NonLocal:
		return "non-local"
	}
	return fmt.Sprintf("gpumode(%d)", int(m))
}

// classify picks the storage class of every traced array. The choice
// order is: a user-pinned mode wins; a hosted read-only array becomes a
// host constant; an array nobody observes stays local; everything else
// is allocated from the device context.
func (ctx *Context) classify() error {
	for tr := range ctx.store.All() {
		if err := ctx.classifyArray(tr); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) classifyArray(tr *Traced) error {
	t := tr.T
	if tr.IsVirtual() || t.UserMode() {
		return nil
	}
	mode, _ := t.Mode()
	switch {
	case mode.Hosted():
		// Hosting was decided by the compilation entry; only the
		// parallel sub-mode remains to pick.
	case !t.DeviceOnly() && tr.ReadOnly:
		if err := t.SetMode(tensor.HostedConstant, ProvClassConstant); err != nil {
			return err
		}
	case !t.Materialized():
		if err := t.SetMode(tensor.Local, ProvClassLocal); err != nil {
			return err
		}
	default:
		if err := t.SetMode(tensor.Global, ProvClassGlobal); err != nil {
			return err
		}
	}
	return ctx.classifyGPU(tr)
}

// parallel is a three-valued predicate on the dedicated parallel axes.
type parallel int

const (
	axisAbsent parallel = iota
	axisNo
	axisYes
)

func (ctx *Context) axisUse(tr *Traced, sym indexing.Sym) parallel {
	if !sym.Valid() {
		return axisAbsent
	}
	if tr.IndexedBy(sym) {
		return axisYes
	}
	return axisNo
}

// classifyGPU picks the parallel sub-mode from two predicates on the
// array's indexing: whether a dedicated task (block) axis addresses it,
// and whether a dedicated sample (thread) axis does.
func (ctx *Context) classifyGPU(tr *Traced) error {
	task := ctx.axisUse(tr, ctx.taskSym)
	sample := ctx.axisUse(tr, ctx.sampleSym)
	hosted := !tr.T.DeviceOnly()
	switch {
	case task != axisNo && sample != axisNo && !hosted:
		tr.GPU = ThreadOnly
	case task != axisNo && sample == axisNo && !hosted:
		tr.GPU = BlockOnly
	case task == axisYes && sample == axisYes:
		tr.GPU = ThreadParallel
	case task == axisYes && sample == axisNo:
		tr.GPU = BlockParallel
	case hosted && tr.ReadOnly:
		tr.GPU = GPUConstant
	case sample == axisNo && !tr.ReadBeforeWrite:
		// Without reads of previous values every block can recompute
		// its own copy.
		tr.GPU = Replicated
	default:
		tr.GPU = NonLocal
		if ctx.cfg.Strict {
			return errors.Errorf("array %s needs cross-block coordination (task=%d sample=%d)", tr.T, task, sample)
		}
		log.Printf("warning: array %s falls back to non-local storage", tr.T)
	}
	logs.Printf(logs.Nodes, "llir: %s parallel sub-mode %s", tr.T, tr.GPU)
	return nil
}
