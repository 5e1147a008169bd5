package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"sociallists/riverd/internal/models"
)

const (
	// sliceSize is the widest strip removed per step while squaring an image.
	sliceSize = 10
	// maxImagePixels caps the declared dimensions of an image we agree to decode.
	maxImagePixels = 40_000_000
)

// ErrImageTooLarge is returned for images whose declared size exceeds maxImagePixels.
var ErrImageTooLarge = errors.New("image too large")

// PrepareImage decodes data, crops it square by repeatedly dropping the
// edge strip with less entropy, shrinks it to fit size×size and encodes it
// as PNG. Images smaller than size are never enlarged.
func PrepareImage(data []byte, size int) (*models.Thumbnail, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Empty() {
		return nil, errors.New("decode image: empty image")
	}

	out := squareCrop(toNRGBA(src))
	if b := out.Bounds(); size > 0 && b.Dx() > size {
		dst := image.NewNRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), out, b, draw.Src, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return &models.Thumbnail{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Width:       out.Bounds().Dx(),
		Height:      out.Bounds().Dy(),
	}, nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	if img, ok := src.(*image.NRGBA); ok && img.Bounds().Min == (image.Point{}) {
		return img
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func squareCrop(img *image.NRGBA) *image.NRGBA {
	r := img.Bounds()
	for r.Dx() != r.Dy() {
		if r.Dx() > r.Dy() {
			slice := min(r.Dx()-r.Dy(), sliceSize)
			left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+slice, r.Max.Y)
			right := image.Rect(r.Max.X-slice, r.Min.Y, r.Max.X, r.Max.Y)
			if entropy(img, left) < entropy(img, right) {
				r.Min.X += slice
			} else {
				r.Max.X -= slice
			}
		} else {
			slice := min(r.Dy()-r.Dx(), sliceSize)
			top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+slice)
			bottom := image.Rect(r.Min.X, r.Max.Y-slice, r.Max.X, r.Max.Y)
			if entropy(img, bottom) < entropy(img, top) {
				r.Max.Y -= slice
			} else {
				r.Min.Y += slice
			}
		}
	}
	return img.SubImage(r).(*image.NRGBA)
}

// entropy is the Shannon entropy of the RGB histogram of r.
func entropy(img *image.NRGBA, r image.Rectangle) float64 {
	var hist [768]int
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			off := img.PixOffset(x, y)
			hist[img.Pix[off]]++
			hist[256+int(img.Pix[off+1])]++
			hist[512+int(img.Pix[off+2])]++
		}
	}
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	e := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}
