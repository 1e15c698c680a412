// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package flow

import (
	"net"

	"github.com/vishvananda/netlink"

	"grimm.is/flywall/internal/logging"
)

// DeviceDownWatcher subscribes to netlink link state changes and marks
// DYING every entry whose ingress interface, in either direction, went down, then
// kicks that table's GC so the removal actually runs promptly rather
// than waiting for the next tick.
type DeviceDownWatcher struct {
	stop chan struct{}
	done chan struct{}
}

// StartDeviceDownWatcher begins watching link state and fans NETDEV_DOWN
// events out to every table in the registry. Call Stop to unsubscribe.
func StartDeviceDownWatcher(logger *logging.Logger) (*DeviceDownWatcher, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	updates := make(chan netlink.LinkUpdate)
	stop := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, stop); err != nil {
		close(stop)
		return nil, err
	}

	w := &DeviceDownWatcher{stop: stop, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				handleLinkUpdate(u, logger)
			case <-stop:
				return
			}
		}
	}()
	return w, nil
}

// Stop ends the watch goroutine and unsubscribes from netlink.
func (w *DeviceDownWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func handleLinkUpdate(u netlink.LinkUpdate, logger *logging.Logger) {
	attrs := u.Link.Attrs()
	down := attrs.OperState == netlink.OperDown || attrs.Flags&net.FlagUp == 0
	if !down {
		return
	}

	index := attrs.Index
	logger.Info("interface went down, tearing down dependent flows", "ifindex", index, "name", attrs.Name)

	NotifyDeviceDown(index)
}
