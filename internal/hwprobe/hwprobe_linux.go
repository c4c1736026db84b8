//go:build linux

package hwprobe

import (
	"os"
	"strings"
)

// probeAttributes reads SMBIOS-exposed serials from sysfs. These files are
// frequently root-only; a permission error is treated the same as
// "unavailable" and degrades to the named placeholder constants, not a
// fatal error.
func probeAttributes() attr {
	return attr{
		cpuSerial:   readTrimmed("/sys/devices/system/cpu/cpu0/identification/serial_number"),
		boardSerial: readTrimmed("/sys/class/dmi/id/board_serial"),
		biosSerial:  readTrimmed("/sys/class/dmi/id/bios_serial"),
	}
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
