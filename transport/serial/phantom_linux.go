//go:build linux

package serial

import (
	"os"
	"path/filepath"
)

// sysfsTTYPath lists the kernel's live tty device directories. A name
// enumerated by go.bug.st/serial but absent here is a phantom left behind
// by a host that doesn't retire /dev nodes promptly on USB-serial unplug
// (spec §4.C).
const sysfsTTYPath = "/sys/class/tty"

// devicePresent returns the set of /dev names the kernel currently backs
// with a live tty device-instance entry, grounded on the sysfs-scan
// pattern used to enumerate live USB devices rather than stale /dev nodes.
func devicePresent() (map[string]bool, bool) {
	entries, err := os.ReadDir(sysfsTTYPath)
	if err != nil {
		return nil, false
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present["/dev/"+filepath.Base(e.Name())] = true
	}
	if len(present) == 0 {
		return nil, false
	}
	return present, true
}
