package blk

// Raw JSON representation from lsblk --bytes --json
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Size       any         `json:"size"` // number (bytes) when using --bytes; string on older util-linux
	Type       string      `json:"type"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	FSType     *string     `json:"fstype,omitempty"`
	PKName     *string     `json:"pkname,omitempty"`
	Children   []rawDevice `json:"children,omitempty"`
}

// Device is a block device and the partitions or holders beneath it.
type Device struct {
	Name       string
	Path       string
	SizeBytes  uint64
	Type       string
	FSType     string
	Mountpoint string
	// Parent is the device path of the parent disk, empty for whole disks.
	Parent   string
	Children []Device
}
