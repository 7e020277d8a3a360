package installer

import "github.com/puppetjoy/nest-cli/internal/apperr"

// GPT partition type GUIDs.
const (
	typeESP      = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	typeBIOSBoot = "21686148-6449-6E6F-744E-656564454649"
	typeXBOOTLDR = "BC13C2FF-59E6-4262-A352-B275FD6F7172"
	typeSPL      = "2E54B353-1271-4842-806F-E436D6AF6985"
)

// Partition is an extra partition placed ahead of the boot partition. Its
// name is suffixed to the host name.
type Partition struct {
	Label   string
	Sectors int
	Type    string
}

// Blob is a firmware image written with dd. Src is relative to the host
// image; PartLabel selects a partition by label suffix instead of the boot
// disk.
type Blob struct {
	Src       string
	PartLabel string
	BS        int
	Skip      int
	Seek      int
	Count     int
}

type Fixup int

const (
	NoFixup Fixup = iota
	// HybridMBR adds a protective-plus-legacy MBR for firmware that only
	// reads MBR partitions.
	HybridMBR
	// ConvertMBR replaces the GPT with an MBR for firmware blobs that
	// overwrite the GPT header.
	ConvertMBR
)

// Platform describes how hosts of one hardware platform are installed.
type Platform struct {
	Name string
	// DetectEFI lays out an ESP on EFI machines and a BIOS boot partition
	// otherwise. Boards with raw firmware always get an ESP.
	DetectEFI bool
	// SwapSize is a size like "8GiB"; empty means size by installed RAM.
	SwapSize string
	// GPTTableLength shrinks the partition table so firmware fits behind it.
	GPTTableLength int
	// FirstPartitionStart reserves sectors ahead of the first partition.
	FirstPartitionStart int
	ExtraPartitions     []Partition
	Firmware            []Blob
	PostPartition       Fixup
	SupportsEncryption  bool
	// Export installs into an NFS export directory for network boot
	// instead of onto a disk.
	Export bool
	// LiveImage builds the pool inside a sparse rootfs.img for a live
	// medium. There is no disk and no boot partition.
	LiveImage bool
}

func (p Platform) usesDisk() bool { return !p.Export && !p.LiveImage }

var rockchipFirmware = []Blob{
	{Src: "usr/src/u-boot/idbloader.img", Seek: 64},
	{Src: "usr/src/u-boot/u-boot.itb", Seek: 16384},
}

var platforms = map[string]Platform{
	"haswell": {
		DetectEFI:          true,
		SupportsEncryption: true,
	},
	"raspberrypi": {
		SwapSize:           "8GiB",
		SupportsEncryption: true,
	},
	"pinebookpro": {
		SwapSize:            "8GiB",
		FirstPartitionStart: 32768,
		Firmware:            rockchipFirmware,
		SupportsEncryption:  true,
	},
	"rockpro64": {
		SwapSize:            "8GiB",
		FirstPartitionStart: 32768,
		Firmware:            rockchipFirmware,
		SupportsEncryption:  true,
	},
	"rk3399": {
		SwapSize:            "8GiB",
		FirstPartitionStart: 32768,
		Firmware:            rockchipFirmware,
		SupportsEncryption:  true,
	},
	"radxazero": {
		SwapSize: "8GiB",
		Firmware: []Blob{
			{Src: "usr/src/fip/radxa-zero/u-boot.bin.sd.bin", Skip: 1, Seek: 1},
			{Src: "usr/src/fip/radxa-zero/u-boot.bin.sd.bin", BS: 1, Count: 440},
		},
		PostPartition:      ConvertMBR,
		SupportsEncryption: true,
	},
	"pine64": {
		GPTTableLength:     56,
		Firmware:           []Blob{{Src: "usr/src/u-boot/u-boot-sunxi-with-spl.bin", Seek: 16}},
		SupportsEncryption: true,
	},
	"sopine": {
		SwapSize:           "4GiB",
		GPTTableLength:     56,
		Firmware:           []Blob{{Src: "usr/src/u-boot/u-boot-sunxi-with-spl.bin", Seek: 16}},
		SupportsEncryption: true,
	},
	"beagleboneblack": {
		SwapSize: "1536MiB",
		Firmware: []Blob{
			{Src: "usr/src/u-boot/MLO", Seek: 256},
			{Src: "usr/src/u-boot/u-boot.img", Seek: 768},
		},
		SupportsEncryption: true,
	},
	"milkv-mars": {
		ExtraPartitions: []Partition{
			{Label: "spl", Sectors: 4096, Type: typeSPL},
			{Label: "uboot", Sectors: 8192, Type: typeXBOOTLDR},
		},
		Firmware: []Blob{
			{Src: "usr/src/u-boot/spl/u-boot-spl.bin.normal.out", PartLabel: "spl"},
			{Src: "usr/src/u-boot/u-boot.itb", PartLabel: "uboot"},
		},
		SupportsEncryption: true,
	},
	"milkv-pioneer": {
		PostPartition:      HybridMBR,
		SupportsEncryption: true,
	},
	"ipxe": {
		Export: true,
	},
	"live": {
		SwapSize:  "1GiB",
		LiveImage: true,
	},
}

// LookupPlatform returns the profile for a platform name.
func LookupPlatform(name string) (Platform, error) {
	p, ok := platforms[name]
	if !ok {
		return Platform{}, apperr.User("platform '%s' is unsupported", name)
	}
	p.Name = name
	return p, nil
}
