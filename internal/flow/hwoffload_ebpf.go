// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"

	ebpfflow "grimm.is/flywall/internal/ebpf/flow"
	"grimm.is/flywall/internal/ebpf/types"
	flowerrors "grimm.is/flywall/internal/errors"
)

// EBPFHardwareBackend adapts the eBPF data-plane flow manager into the
// HardwareBackend contract, mirroring table entries into the eBPF flow
// map so the data plane's XDP/TC programs can forward later packets on
// the same connection without the slow path. Only IPv4
// entries can be mirrored: the underlying eBPF map's FlowKey carries a
// 32-bit address, matching the eBPF datapath's own IPv4-only fast path.
type EBPFHardwareBackend struct {
	manager *ebpfflow.Manager
}

// NewEBPFHardwareBackend wraps an already-started eBPF flow manager.
func NewEBPFHardwareBackend(manager *ebpfflow.Manager) *EBPFHardwareBackend {
	return &EBPFHardwareBackend{manager: manager}
}

// AddFlow mirrors entry's original-direction tuple into the eBPF flow
// map with a trusted verdict, marking it offloaded.
func (b *EBPFHardwareBackend) AddFlow(entry *Entry) error {
	key, err := flowKeyFromTuple(entry.Tuple(DirOriginal))
	if err != nil {
		return flowerrors.Wrap(err, flowerrors.KindNotSupported, "flow: cannot mirror entry to hardware backend")
	}
	_, err = b.manager.CreateFlow(key, types.VerdictTrusted)
	return err
}

// DelFlow removes the mirrored entry from the eBPF flow map.
func (b *EBPFHardwareBackend) DelFlow(entry *Entry) error {
	key, err := flowKeyFromTuple(entry.Tuple(DirOriginal))
	if err != nil {
		return nil
	}
	return b.manager.DeleteFlow(key)
}

func flowKeyFromTuple(t Tuple) (types.FlowKey, error) {
	if !t.SrcAddr.Is4() || !t.DstAddr.Is4() {
		return types.FlowKey{}, fmt.Errorf("flow: eBPF hardware backend only supports IPv4")
	}
	src := t.SrcAddr.As4()
	dst := t.DstAddr.As4()
	return types.FlowKey{
		SrcIP:   uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3]),
		DstIP:   uint32(dst[0])<<24 | uint32(dst[1])<<16 | uint32(dst[2])<<8 | uint32(dst[3]),
		SrcPort: t.SrcPort,
		DstPort: t.DstPort,
		IPProto: uint8(t.L4Proto),
	}, nil
}
