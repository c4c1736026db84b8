//go:build windows

package hwprobe

import "golang.org/x/sys/windows/registry"

// probeAttributes reads a handful of registry values that approximate the
// Linux sysfs serials. Windows does not expose true hardware serials
// without WMI/COM (out of reach without cgo), so this settles for the
// closest stable per-installation identifiers the registry offers:
// MachineGuid (regenerated only on a fresh OS install, making it the
// closest analog to a board serial) stands in for boardSerial, and the
// BIOS/CPU description strings stand in for biosSerial/cpuSerial. A
// permission or missing-key error degrades to the named placeholder
// constants exactly like the Linux sysfs reads.
func probeAttributes() attr {
	return attr{
		cpuSerial:   readRegistryValue(registry.LOCAL_MACHINE, `HARDWARE\DESCRIPTION\System\CentralProcessor\0`, "ProcessorNameString"),
		boardSerial: readRegistryValue(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Cryptography`, "MachineGuid"),
		biosSerial:  readRegistryValue(registry.LOCAL_MACHINE, `HARDWARE\DESCRIPTION\System\BIOS`, "BIOSVersion"),
	}
}

func readRegistryValue(root registry.Key, path, name string) string {
	k, err := registry.OpenKey(root, path, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()
	v, _, err := k.GetStringValue(name)
	if err != nil {
		return ""
	}
	return v
}
