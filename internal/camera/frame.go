// Package camera runs one camera end to end: the ffmpeg stream reader,
// the frame scanners feeding detectors, and the glue between them.
package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one decoded picture in planar NV12 at source resolution. It is
// reference-counted and shared read-only across scanners for a single
// tick; the NV12 payload is never mutated after construction. The RGB
// conversion runs at most once, and resized variants are cached on the
// frame so scanners with the same input size share one resize.
type Frame struct {
	nv12     []byte
	width    int
	height   int
	captured time.Time

	refs int32

	decodeOnce sync.Once
	rgb        []byte
	decodeErr  error

	mu      sync.Mutex
	resized map[[2]int][]byte
}

// NewFrame wraps an NV12 buffer. The caller holds the initial reference.
func NewFrame(nv12 []byte, width, height int, captured time.Time) *Frame {
	return &Frame{
		nv12:     nv12,
		width:    width,
		height:   height,
		captured: captured,
		refs:     1,
		resized:  make(map[[2]int][]byte),
	}
}

func (f *Frame) Width() int          { return f.width }
func (f *Frame) Height() int         { return f.height }
func (f *Frame) Captured() time.Time { return f.captured }

// Acquire takes an additional reference.
func (f *Frame) Acquire() { atomic.AddInt32(&f.refs, 1) }

// Release drops one reference. The buffers are freed when the last
// holder releases.
func (f *Frame) Release() {
	if atomic.AddInt32(&f.refs, -1) == 0 {
		f.mu.Lock()
		f.nv12 = nil
		f.rgb = nil
		f.resized = nil
		f.mu.Unlock()
	}
}

// RGB converts NV12 to packed RGB, once. Subsequent calls return the
// cached buffer.
func (f *Frame) RGB() ([]byte, error) {
	f.decodeOnce.Do(func() {
		f.rgb, f.decodeErr = nv12ToRGB(f.nv12, f.width, f.height)
	})
	return f.rgb, f.decodeErr
}

// Resized returns the RGB frame scaled to width x height, caching the
// result by dimensions.
func (f *Frame) Resized(width, height int) ([]byte, error) {
	rgb, err := f.RGB()
	if err != nil {
		return nil, err
	}
	if width == f.width && height == f.height {
		return rgb, nil
	}

	key := [2]int{width, height}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resized == nil {
		return nil, fmt.Errorf("frame released")
	}
	if cached, ok := f.resized[key]; ok {
		return cached, nil
	}
	scaled := resizeRGB(rgb, f.width, f.height, width, height)
	f.resized[key] = scaled
	return scaled, nil
}

// EncodeJPEG renders the frame as a JPEG, used for event thumbnails and
// detector snapshots.
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	rgb, err := f.RGB()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	for i := 0; i < f.width*f.height; i++ {
		img.Pix[i*4+0] = rgb[i*3+0]
		img.Pix[i*4+1] = rgb[i*3+1]
		img.Pix[i*4+2] = rgb[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// nv12ToRGB converts a planar NV12 buffer (full-resolution Y plane
// followed by interleaved half-resolution UV) to packed RGB using BT.601
// integer math.
func nv12ToRGB(nv12 []byte, width, height int) ([]byte, error) {
	ySize := width * height
	if len(nv12) != ySize*3/2 {
		return nil, fmt.Errorf("malformed nv12 buffer: %d bytes for %dx%d", len(nv12), width, height)
	}
	yPlane := nv12[:ySize]
	uvPlane := nv12[ySize:]

	rgb := make([]byte, width*height*3)
	for row := 0; row < height; row++ {
		uvRow := (row / 2) * width
		for col := 0; col < width; col++ {
			y := int(yPlane[row*width+col])
			uvIdx := uvRow + (col/2)*2
			u := int(uvPlane[uvIdx]) - 128
			v := int(uvPlane[uvIdx+1]) - 128

			c := (y - 16) * 298
			r := (c + 409*v + 128) >> 8
			g := (c - 100*u - 208*v + 128) >> 8
			b := (c + 516*u + 128) >> 8

			i := (row*width + col) * 3
			rgb[i+0] = clampByte(r)
			rgb[i+1] = clampByte(g)
			rgb[i+2] = clampByte(b)
		}
	}
	return rgb, nil
}

// resizeRGB scales a packed RGB buffer with nearest-neighbor sampling,
// which is plenty for detector input.
func resizeRGB(src []byte, srcW, srcH, dstW, dstH int) []byte {
	dst := make([]byte, dstW*dstH*3)
	for row := 0; row < dstH; row++ {
		srcRow := row * srcH / dstH
		for col := 0; col < dstW; col++ {
			srcCol := col * srcW / dstW
			si := (srcRow*srcW + srcCol) * 3
			di := (row*dstW + col) * 3
			dst[di+0] = src[si+0]
			dst[di+1] = src[si+1]
			dst[di+2] = src[si+2]
		}
	}
	return dst
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
