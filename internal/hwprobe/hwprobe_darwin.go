//go:build darwin

package hwprobe

import "golang.org/x/sys/unix"

// probeAttributes reads sysctl MIBs, the closest macOS analog to Linux's
// sysfs without reaching for IOKit/cgo. kern.uuid is scoped to the current
// boot, not the hardware itself, so it is weaker than a true board serial;
// it is still a meaningfully narrower identity than the host+user fallback
// and is used here in that spirit, documented honestly rather than
// oversold as a hardware serial.
func probeAttributes() attr {
	return attr{
		cpuSerial:   readSysctl("machdep.cpu.brand_string"),
		boardSerial: readSysctl("kern.uuid"),
		biosSerial:  readSysctl("hw.model"),
	}
}

func readSysctl(name string) string {
	v, err := unix.Sysctl(name)
	if err != nil {
		return ""
	}
	return v
}
