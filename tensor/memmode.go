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

package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// MemMode is the storage class of a tensor.
type MemMode int

// Storage classes, from fully eliminated to host-resident.
const (
	// ModeUnset means no decision has been made yet.
	ModeUnset MemMode = iota
	// Virtual tensors are never materialized: reads are replaced by
	// recomputed scalar expressions inside consumers.
	Virtual
	// Local tensors live in registers or thread-local storage of one
	// kernel; no external observer sees their values.
	Local
	// Shared tensors live in on-chip memory shared by a thread block.
	Shared
	// Global tensors live in device memory obtained from the context.
	Global
	// Constant tensors live in device constant memory.
	Constant
	// HostedChanged tensors live on the host and are updated by the
	// computation.
	HostedChanged
	// HostedConstant tensors live on the host and must never be
	// rewritten by device code.
	HostedConstant
	// HostedVolatile tensors live on the host and may change between
	// kernel launches outside the compiler's control.
	HostedVolatile
	// Materialized tensors must exist in memory, with the placement
	// left to the backend.
	Materialized
)

// String representation of the mode.
func (m MemMode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case Virtual:
		return "virtual"
	case Local:
		return "local"
	case Shared:
		return "shared"
	case Global:
		return "global"
	case Constant:
		return "constant"
	case HostedChanged:
		return "hosted-changed"
	case HostedConstant:
		return "hosted-constant"
	case HostedVolatile:
		return "hosted-volatile"
	case Materialized:
		return "materialized"
	}
	return fmt.Sprintf("memmode(%d)", int(m))
}

// Hosted returns true for the host-resident modes.
func (m MemMode) Hosted() bool {
	return m == HostedChanged || m == HostedConstant || m == HostedVolatile
}

// memCell accumulates the storage decisions made about one tensor.
// Decisions are monotonic: once a pass rules virtualization out, no
// later pass may rule it back in.
type memCell struct {
	mode MemMode
	// provenance is the numeric code of the decision site that set the
	// mode, so a surprising mode can be traced to one log line.
	provenance int
	userMode   bool

	userVirtual    bool
	nonVirtual     bool
	nonVirtualProv int

	notDeviceOnly bool
	materialized  bool
}

// SetUserMode pins the storage class from user code. It wins over
// every classifier decision.
func (t *Tensor) SetUserMode(m MemMode, provenance int) error {
	if t.mem.userMode && t.mem.mode != m {
		return errors.Errorf("tensor %s: memory mode already pinned to %s (provenance %d), cannot pin to %s",
			t, t.mem.mode, t.mem.provenance, m)
	}
	if m == Virtual {
		if t.mem.nonVirtual {
			return errors.Errorf("tensor %s: cannot be virtual: ruled out with provenance %d", t, t.mem.nonVirtualProv)
		}
		t.mem.userVirtual = true
	} else {
		t.mem.nonVirtual = true
		t.mem.nonVirtualProv = provenance
	}
	t.mem.mode = m
	t.mem.provenance = provenance
	t.mem.userMode = true
	return nil
}

// SetMode records a classifier decision. User-pinned modes are kept.
func (t *Tensor) SetMode(m MemMode, provenance int) error {
	if t.mem.userMode {
		return nil
	}
	if m == Virtual && t.mem.nonVirtual {
		return errors.Errorf("tensor %s: cannot become virtual: ruled out with provenance %d", t, t.mem.nonVirtualProv)
	}
	if t.mem.mode == HostedConstant && m != HostedConstant {
		return errors.Errorf("tensor %s: hosted-constant contents cannot be retargeted to %s (provenance %d)", t, m, provenance)
	}
	t.mem.mode = m
	t.mem.provenance = provenance
	return nil
}

// Mode returns the current storage class and its provenance code.
func (t *Tensor) Mode() (MemMode, int) {
	return t.mem.mode, t.mem.provenance
}

// MarkNonVirtual rules virtualization out. It fails if user code had
// pinned the tensor virtual.
func (t *Tensor) MarkNonVirtual(provenance int) error {
	if t.mem.userVirtual {
		return errors.Errorf("tensor %s: pinned virtual by user code but virtualization is impossible (provenance %d)", t, provenance)
	}
	if t.mem.nonVirtual {
		return nil
	}
	t.mem.nonVirtual = true
	t.mem.nonVirtualProv = provenance
	return nil
}

// NonVirtual returns true once virtualization has been ruled out.
func (t *Tensor) NonVirtual() bool { return t.mem.nonVirtual }

// UserVirtual returns true if user code pinned the tensor virtual.
func (t *Tensor) UserVirtual() bool { return t.mem.userVirtual }

// UserMode returns true if user code pinned the storage class.
func (t *Tensor) UserMode() bool { return t.mem.userMode }

// MarkNotDeviceOnly records that the tensor values must be observable
// from the host.
func (t *Tensor) MarkNotDeviceOnly() { t.mem.notDeviceOnly = true }

// Materialize records that an external observer needs the tensor values
// in memory: outputs, parameters, anything read back by the host.
func (t *Tensor) Materialize() { t.mem.materialized = true }

// Materialized returns true if the tensor values must exist in memory.
func (t *Tensor) Materialized() bool { return t.mem.materialized }

// DeviceOnly returns false once the tensor must be host-observable.
func (t *Tensor) DeviceOnly() bool { return !t.mem.notDeviceOnly }
