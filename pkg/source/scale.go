package source

import (
	"github.com/thesyncim/h264live/pkg/frame"
)

// ScaleI420 resizes src into dst with a box filter (area averaging). Both
// frames must be I420; dst must already be allocated at its target size.
// Upscaling degrades to pixel replication.
func ScaleI420(src, dst *frame.VideoFrame) {
	srcW, srcH := src.Width, src.Height
	dstW, dstH := dst.Width, dst.Height

	scalePlane(src.Data[0], dst.Data[0], srcW, srcH, dstW, dstH, src.Stride[0], dst.Stride[0])
	scalePlane(src.Data[1], dst.Data[1], srcW/2, srcH/2, dstW/2, dstH/2, src.Stride[1], dst.Stride[1])
	scalePlane(src.Data[2], dst.Data[2], srcW/2, srcH/2, dstW/2, dstH/2, src.Stride[2], dst.Stride[2])
}

// scalePlane scales one plane using box filter sampling.
func scalePlane(src, dst []byte, srcW, srcH, dstW, dstH, srcStride, dstStride int) {
	if srcW == dstW && srcH == dstH {
		for y := 0; y < dstH; y++ {
			copy(dst[y*dstStride:y*dstStride+dstW], src[y*srcStride:y*srcStride+srcW])
		}
		return
	}

	xRatio := float64(srcW) / float64(dstW)
	yRatio := float64(srcH) / float64(dstH)

	for dstY := 0; dstY < dstH; dstY++ {
		srcY0, srcY1 := span(dstY, yRatio, srcH)
		dstRow := dstY * dstStride

		for dstX := 0; dstX < dstW; dstX++ {
			srcX0, srcX1 := span(dstX, xRatio, srcW)

			var sum, count int
			for sy := srcY0; sy < srcY1; sy++ {
				srcRow := sy * srcStride
				for sx := srcX0; sx < srcX1; sx++ {
					sum += int(src[srcRow+sx])
					count++
				}
			}
			dst[dstRow+dstX] = byte(sum / count)
		}
	}
}

// span returns the source range [lo, hi) covered by destination index i.
// It is never empty.
func span(i int, ratio float64, limit int) (lo, hi int) {
	lo = int(float64(i) * ratio)
	hi = int(float64(i+1) * ratio)
	lo = min(lo, limit-1)
	hi = min(max(hi, lo+1), limit)
	return lo, hi
}

// ScaleI420Nearest resizes src into dst by nearest neighbor sampling.
func ScaleI420Nearest(src, dst *frame.VideoFrame) {
	nearestPlane(src.Data[0], dst.Data[0], src.Width, src.Height, dst.Width, dst.Height, src.Stride[0], dst.Stride[0])
	nearestPlane(src.Data[1], dst.Data[1], src.Width/2, src.Height/2, dst.Width/2, dst.Height/2, src.Stride[1], dst.Stride[1])
	nearestPlane(src.Data[2], dst.Data[2], src.Width/2, src.Height/2, dst.Width/2, dst.Height/2, src.Stride[2], dst.Stride[2])
}

func nearestPlane(src, dst []byte, srcW, srcH, dstW, dstH, srcStride, dstStride int) {
	xRatio := float64(srcW) / float64(dstW)
	yRatio := float64(srcH) / float64(dstH)

	for dstY := 0; dstY < dstH; dstY++ {
		srcRow := min(int(float64(dstY)*yRatio), srcH-1) * srcStride
		dstRow := dstY * dstStride
		for dstX := 0; dstX < dstW; dstX++ {
			srcX := min(int(float64(dstX)*xRatio), srcW-1)
			dst[dstRow+dstX] = src[srcRow+srcX]
		}
	}
}
