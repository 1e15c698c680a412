// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "grimm.is/flywall/internal/errors"
)

type fakeHWBackend struct {
	mu     sync.Mutex
	added  []Tuple
	failed bool
}

func (f *fakeHWBackend) AddFlow(e *Entry) error {
	if f.failed {
		return assert.AnError
	}
	f.mu.Lock()
	f.added = append(f.added, e.Tuple(DirOriginal))
	f.mu.Unlock()
	return nil
}

func (f *fakeHWBackend) DelFlow(e *Entry) error {
	return nil
}

func resetHWRegistry() {
	hwRegistry.mu.Lock()
	hwRegistry.backend = nil
	hwRegistry.name = ""
	hwRegistry.bindings = 0
	hwRegistry.mu.Unlock()
}

func TestRegisterHardwareBackend_RejectsSecondRegistration(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	require.NoError(t, RegisterHardwareBackend("first", &fakeHWBackend{}))
	err := RegisterHardwareBackend("second", &fakeHWBackend{})
	require.Error(t, err)
	assert.Equal(t, flowerrors.KindBusy, flowerrors.GetKind(err))
}

func TestUnregisterHardwareBackend_SucceedsWhileBound(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	require.NoError(t, RegisterHardwareBackend("first", &fakeHWBackend{}))
	binding, err := bindHardwareBackend()
	require.NoError(t, err)

	// A live binding pins the backend from being garbage collected; it
	// does not pin the registry slot itself, so unregistering succeeds
	// immediately.
	require.NoError(t, UnregisterHardwareBackend("first"))

	// The already-bound table keeps working against its captured backend
	// reference even though the registry slot is now empty.
	require.NoError(t, binding.add(&Entry{}))
}

func TestRegisterHardwareBackend_AllowsReregistrationAfterUnregisterWithLiveTable(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	first := &fakeHWBackend{}
	require.NoError(t, RegisterHardwareBackend("first", first))

	tbl, err := InitTable(TableHW, &Config{Buckets: 16, GCInterval: 0}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	require.NoError(t, UnregisterHardwareBackend("first"))

	second := &fakeHWBackend{}
	require.NoError(t, RegisterHardwareBackend("second", second))

	// tbl keeps mirroring to the backend it originally bound, not to the
	// newly registered one.
	e := addTestFlow(t, tbl, 1234, 80, 1)
	assert.True(t, e.HasFlag(FlagHW))
	assert.Len(t, first.added, 1)
	assert.Len(t, second.added, 0)
}

func TestUnregisterHardwareBackend_SucceedsOnceUnbound(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	require.NoError(t, RegisterHardwareBackend("first", &fakeHWBackend{}))
	binding, err := bindHardwareBackend()
	require.NoError(t, err)
	binding.release()

	assert.NoError(t, UnregisterHardwareBackend("first"))
}

func TestBindHardwareBackend_NotSupportedWhenUnregistered(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	_, err := bindHardwareBackend()
	require.Error(t, err)
	assert.Equal(t, flowerrors.KindNotSupported, flowerrors.GetKind(err))
}

func TestTable_MirrorsAddToHardwareBackend(t *testing.T) {
	resetHWRegistry()
	defer resetHWRegistry()

	backend := &fakeHWBackend{}
	require.NoError(t, RegisterHardwareBackend("fake", backend))

	tbl, err := InitTable(TableHW, &Config{Buckets: 16, GCInterval: 0}, testLogger())
	require.NoError(t, err)
	defer tbl.Free()

	e := addTestFlow(t, tbl, 1234, 80, 1)
	assert.True(t, e.HasFlag(FlagHW))
	assert.Len(t, backend.added, 1)
}
