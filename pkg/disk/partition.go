package disk

import (
	"fmt"
	"strings"
)

const (
	// SectorSize is the logical sector size assumed throughout.
	SectorSize = 512

	sectorsPerMiB = 1024 * 1024 / SectorSize

	// firstPartitionStart leaves the customary 1 MiB gap for the MBR
	// and the bootloader's stage 2.
	firstPartitionStart = 2048
)

// MBR partition type ids.
const (
	TypeLinux = "83"
	TypeFAT32 = "c"
)

// Partition is one entry of an MBR partition table. Start and Size are
// in sectors.
type Partition struct {
	Start    uint64
	Size     uint64
	Type     string
	Bootable bool
}

// Layout is a complete MSDOS partition table.
type Layout struct {
	Partitions []Partition
}

// NewUsbLayout builds the two-partition layout of the live USB image: a
// small Linux partition ending at 4 MiB followed by the bootable FAT
// payload partition filling the disk up to endMiB. endMiB must be a
// multiple of 4 MiB.
func NewUsbLayout(endMiB uint64) (Layout, error) {
	if endMiB%4 != 0 {
		return Layout{}, fmt.Errorf("disk end %d MiB is not 4 MiB aligned", endMiB)
	}
	if endMiB < 8 {
		return Layout{}, fmt.Errorf("disk end %d MiB leaves no room for the payload partition", endMiB)
	}

	firstEnd := uint64(4 * sectorsPerMiB)
	diskEnd := endMiB * sectorsPerMiB

	return Layout{
		Partitions: []Partition{
			{
				Start: firstPartitionStart,
				Size:  firstEnd - firstPartitionStart,
				Type:  TypeLinux,
			},
			{
				Start:    firstEnd,
				Size:     diskEnd - firstEnd,
				Type:     TypeFAT32,
				Bootable: true,
			},
		},
	}, nil
}

// SfdiskScript renders the layout as an sfdisk input script.
func (l Layout) SfdiskScript() string {
	var b strings.Builder
	b.WriteString("label: dos\n")
	for _, p := range l.Partitions {
		fmt.Fprintf(&b, "start=%d, size=%d, type=%s", p.Start, p.Size, p.Type)
		if p.Bootable {
			b.WriteString(", bootable")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SizeBytes returns the total disk size implied by the layout.
func (l Layout) SizeBytes() uint64 {
	var end uint64
	for _, p := range l.Partitions {
		if e := p.Start + p.Size; e > end {
			end = e
		}
	}
	return end * SectorSize
}
