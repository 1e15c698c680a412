// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"

	flowerrors "grimm.is/flywall/internal/errors"
)

// HardwareBackend is the narrow contract a hardware (or eBPF-datapath)
// offload sink must satisfy to mirror table entries. The
// eBPF-backed implementation lives in hwoffload_ebpf.go, adapted from the
// teacher repo's ebpf/flow manager.
type HardwareBackend interface {
	AddFlow(entry *Entry) error
	DelFlow(entry *Entry) error
}

// hwRegistry holds the single process-wide hardware backend slot. Only
// one backend may be registered at a time; tables created with TableHW
// bind against whatever is registered at InitTable time.
var hwRegistry struct {
	mu       sync.Mutex
	backend  HardwareBackend
	name     string
	bindings int
}

// RegisterHardwareBackend installs the process-wide hardware offload
// sink. It fails with KindBusy if a backend is already registered.
func RegisterHardwareBackend(name string, backend HardwareBackend) error {
	hwRegistry.mu.Lock()
	defer hwRegistry.mu.Unlock()

	if hwRegistry.backend != nil {
		err := flowerrors.New(flowerrors.KindBusy, "flow: a hardware backend is already registered")
		err = flowerrors.Attr(err, "registered", hwRegistry.name)
		return flowerrors.Attr(err, "requested", name)
	}
	hwRegistry.backend = backend
	hwRegistry.name = name
	return nil
}

// UnregisterHardwareBackend removes the named backend from the registry
// slot unconditionally, once its identity is confirmed. Existing
// TableHW tables keep working against their own already-acquired
// hwBinding, which holds the backend directly rather than looking it up
// through the registry on every add/del; bindings only pin the backend
// from being garbage collected, they do not pin the registry slot itself.
// A caller that wants the backend's resources released must still Free
// every table bound to it.
func UnregisterHardwareBackend(name string) error {
	hwRegistry.mu.Lock()
	defer hwRegistry.mu.Unlock()

	if hwRegistry.backend == nil {
		return nil
	}
	if hwRegistry.name != name {
		err := flowerrors.New(flowerrors.KindNotFound, "flow: no such hardware backend registered")
		err = flowerrors.Attr(err, "registered", hwRegistry.name)
		return flowerrors.Attr(err, "requested", name)
	}
	hwRegistry.backend = nil
	hwRegistry.name = ""
	return nil
}

// hwBinding is a table's private reference to the registered backend,
// acquired at InitTable time so Register/Unregister races can't pull the
// rug out from under a table mid-lifetime.
type hwBinding struct {
	backend HardwareBackend
}

func bindHardwareBackend() (*hwBinding, error) {
	hwRegistry.mu.Lock()
	defer hwRegistry.mu.Unlock()

	if hwRegistry.backend == nil {
		return nil, flowerrors.New(flowerrors.KindNotSupported, "flow: no hardware backend registered")
	}
	hwRegistry.bindings++
	return &hwBinding{backend: hwRegistry.backend}, nil
}

func (b *hwBinding) add(e *Entry) error { return b.backend.AddFlow(e) }
func (b *hwBinding) del(e *Entry) error { return b.backend.DelFlow(e) }

func (b *hwBinding) release() {
	hwRegistry.mu.Lock()
	hwRegistry.bindings--
	hwRegistry.mu.Unlock()
}
