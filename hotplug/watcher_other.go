//go:build !linux

package hotplug

// startWatcher falls back to polling the serial port census on
// platforms without a native USB event source.
func (d *Daemon) startWatcher() {
	go d.pollWatcher()
}
