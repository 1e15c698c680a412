// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCTBackend struct {
	timeout      time.Duration
	established  int
	deleted      bool
	setTimeoutErr error
}

func (f *fakeCTBackend) SetTimeout(d time.Duration) error {
	f.timeout = d
	return f.setTimeoutErr
}

func (f *fakeCTBackend) SetTCPEstablished() error {
	f.established++
	return nil
}

func (f *fakeCTBackend) Delete() error {
	f.deleted = true
	return nil
}

func TestConnTrack_AcquireFailsWhenDying(t *testing.T) {
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	ct.MarkDying()
	assert.False(t, ct.Acquire())
}

func TestConnTrack_AcquireSucceedsThenRelease(t *testing.T) {
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, true, false)
	require.True(t, ct.Acquire())
	assert.True(t, ct.IsSNAT())
	assert.False(t, ct.IsDNAT())
	ct.Release()
}

func TestConnTrack_RestoreEstablishedTCP(t *testing.T) {
	backend := &fakeCTBackend{}
	ct := NewConnTrack(backend, L4TCP, false, false)

	require.NoError(t, ct.RestoreEstablished(L4TCP))
	assert.Equal(t, 1, backend.established)
	assert.Equal(t, tcpEstablishedTimeout, backend.timeout)

	orig, reply := ct.MaxWindows()
	assert.Zero(t, orig)
	assert.Zero(t, reply)
	assert.Equal(t, tcpCtStateEstablished, ct.TCPState())
}

func TestConnTrack_RestoreEstablishedUDP(t *testing.T) {
	backend := &fakeCTBackend{}
	ct := NewConnTrack(backend, L4UDP, false, false)

	require.NoError(t, ct.RestoreEstablished(L4UDP))
	assert.Equal(t, udpRepliedTimeout, backend.timeout)
	assert.Zero(t, backend.established)
}

func TestConnTrack_Counters(t *testing.T) {
	ct := NewConnTrack(&fakeCTBackend{}, L4TCP, false, false)
	ct.AddCounters(DirOriginal, 100)
	ct.AddCounters(DirOriginal, 50)
	ct.AddCounters(DirReply, 10)

	packets, bytes := ct.Counters(DirOriginal)
	assert.Equal(t, uint64(2), packets)
	assert.Equal(t, uint64(150), bytes)

	packets, bytes = ct.Counters(DirReply)
	assert.Equal(t, uint64(1), packets)
	assert.Equal(t, uint64(10), bytes)
}

func TestConnTrack_DeleteAndTimeoutNilBackend(t *testing.T) {
	ct := NewConnTrack(nil, L4TCP, false, false)
	assert.NoError(t, ct.SetTimeout(time.Second))
	assert.NoError(t, ct.Delete())
}
