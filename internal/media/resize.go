package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
)

// jpegBufferPool reuses encode buffers across the packager's hot path.
var jpegBufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	buf := jpegBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	jpegBufferPool.Put(buf)
}

// resizeWithin scales an RGBA image down to fit within maxW×maxH,
// preserving aspect ratio. An image already within bounds is returned
// unchanged. Uses nearest-neighbor sampling over the raw Pix slice —
// fast enough for the packager's per-artifact cadence and accurate
// enough for a downstream vision model.
func resizeWithin(img *image.RGBA, maxW, maxH int) *image.RGBA {
	if maxW <= 0 || maxH <= 0 {
		return img
	}

	srcBounds := img.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	if srcW <= maxW && srcH <= maxH {
		return img
	}

	ratio := min(float64(maxW)/float64(srcW), float64(maxH)/float64(srcH))
	dstW := max(1, int(float64(srcW)*ratio))
	dstH := max(1, int(float64(srcH)*ratio))

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))

	srcXOffsets := make([]int, dstW)
	for x := 0; x < dstW; x++ {
		srcXOffsets[x] = (x * srcW / dstW) * 4
	}

	srcPix := img.Pix
	dstPix := dst.Pix
	srcStride := img.Stride
	dstStride := dst.Stride

	for y := 0; y < dstH; y++ {
		srcY := y * srcH / dstH
		srcRowBase := srcY * srcStride
		dstRowBase := y * dstStride
		for x := 0; x < dstW; x++ {
			si := srcRowBase + srcXOffsets[x]
			di := dstRowBase + x*4
			dstPix[di+0] = srcPix[si+0]
			dstPix[di+1] = srcPix[si+1]
			dstPix[di+2] = srcPix[si+2]
			dstPix[di+3] = srcPix[si+3]
		}
	}
	return dst
}

// reencodeJPEG decodes a JPEG, resizes it within maxW×maxH (0 disables
// resize), and re-encodes at the given quality. Returns the resized
// bytes plus the dimensions the bytes were encoded at.
func reencodeJPEG(src []byte, maxW, maxH, quality int) (encoded []byte, width, height int, err error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, 0, 0, err
	}

	rgba := toRGBA(img)
	if maxW > 0 && maxH > 0 {
		rgba = resizeWithin(rgba, maxW, maxH)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}
	if err := jpeg.Encode(buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	bounds := rgba.Bounds()
	return out, bounds.Dx(), bounds.Dy(), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}
