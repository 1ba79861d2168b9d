// Package disk sizes, partitions and writes the bootable raw disk
// image.
package disk

import "github.com/mikesimons/docker2usb/pkg/datasizes"

// SizePlan records how a measured payload size was padded into the
// capacity allocated for it. Sizes are in KiB, matching how tree sizes
// are measured.
type SizePlan struct {
	MeasuredKiB   uint64
	BufferPercent uint64
	TargetKiB     uint64
}

// NewSizePlan pads measured by bufferPercent percent. The buffer is
// computed in whole percent steps, so a measured size below 100 KiB
// still gets no padding at 1 percent.
func NewSizePlan(measuredKiB, bufferPercent uint64) SizePlan {
	return SizePlan{
		MeasuredKiB:   measuredKiB,
		BufferPercent: bufferPercent,
		TargetKiB:     measuredKiB + measuredKiB/100*bufferPercent,
	}
}

// TargetBytes returns the padded size in bytes.
func (p SizePlan) TargetBytes() uint64 {
	return p.TargetKiB * datasizes.KiB
}

// AlignedEndMiB converts a KiB target into a disk end position in MiB,
// rounded down to 4 MiB alignment. Callers are expected to have padded
// the target enough that the rounding loss never cuts into payload.
func AlignedEndMiB(targetKiB uint64) uint64 {
	return targetKiB / 1024 / 4 * 4
}
