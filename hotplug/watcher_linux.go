//go:build linux

package hotplug

import (
	"strings"

	"golang.org/x/sys/unix"
)

// startWatcher subscribes to kernel uevents over netlink. USB bind and
// unbind actions enqueue a rescan; everything else is ignored. If the
// netlink socket cannot be opened the poll backend takes over.
func (d *Daemon) startWatcher() {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		d.logger.Warn().Err(err).Msg("uevent socket unavailable, falling back to polling")
		go d.pollWatcher()
		return
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		d.logger.Warn().Err(err).Msg("uevent bind failed, falling back to polling")
		go d.pollWatcher()
		return
	}

	d.stopWatcher = func() { unix.Close(fd) }

	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := unix.Recvfrom(fd, buf, 0)
			if err != nil {
				select {
				case <-d.stop:
				default:
					d.logger.Warn().Err(err).Msg("uevent read failed")
				}
				return
			}
			if usbEvent(buf[:n]) {
				d.enqueue()
			}
		}
	}()
}

// usbEvent reports whether a uevent message describes a USB device
// being attached or detached. Messages are NUL-separated KEY=VALUE
// pairs after the header line.
func usbEvent(msg []byte) bool {
	var action, subsystem string
	for _, field := range strings.Split(string(msg), "\x00") {
		switch {
		case strings.HasPrefix(field, "ACTION="):
			action = field[len("ACTION="):]
		case strings.HasPrefix(field, "SUBSYSTEM="):
			subsystem = field[len("SUBSYSTEM="):]
		}
	}
	if subsystem != "usb" {
		return false
	}
	switch action {
	case "add", "remove", "bind", "unbind":
		return true
	}
	return false
}
