package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"

	"github.com/VictoriaMetrics/fastcache"
)

// ImageNet channel statistics used for normalization.
var (
	channelMean = [3]float64{0.485, 0.456, 0.406}
	channelStd  = [3]float64{0.229, 0.224, 0.225}
)

// Transform turns encoded image bytes into a normalized CHW feature vector of
// length 3*CropSize*CropSize.
//
// Training transforms take a random crop and flip the result horizontally
// with probability one half; evaluation transforms take the centre crop.
type Transform struct {
	ImgSize  int
	CropSize int
	Train    bool
	// Cache holds resized base images keyed by sample key. It may be nil.
	Cache *fastcache.Cache
}

// NewCache returns a fastcache sized for mb megabytes, or nil when mb is 0.
func NewCache(mb int) *fastcache.Cache {
	if mb <= 0 {
		return nil
	}
	return fastcache.New(mb << 20)
}

// Dim returns the length of the vectors produced by Apply.
func (t *Transform) Dim() int { return 3 * t.CropSize * t.CropSize }

// Apply preprocesses one sample. rng drives augmentation and is ignored for
// evaluation transforms.
func (t *Transform) Apply(s Sample, rng *rand.Rand) ([]float64, error) {
	if t.CropSize <= 0 || t.CropSize > t.ImgSize {
		return nil, fmt.Errorf("transform: crop %d invalid for image size %d", t.CropSize, t.ImgSize)
	}
	base, err := t.base(s)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", s.Key, err)
	}

	slack := t.ImgSize - t.CropSize
	offX, offY := slack/2, slack/2
	flip := false
	if t.Train {
		offX = rng.Intn(slack + 1)
		offY = rng.Intn(slack + 1)
		flip = rng.Float64() < 0.5
	}

	crop := t.CropSize
	out := make([]float64, 3*crop*crop)
	for y := 0; y < crop; y++ {
		for x := 0; x < crop; x++ {
			srcX := offX + x
			if flip {
				srcX = offX + crop - 1 - x
			}
			px := ((offY+y)*t.ImgSize + srcX) * 3
			for c := 0; c < 3; c++ {
				out[c*crop*crop+y*crop+x] = (float64(base[px+c]) - channelMean[c]) / channelStd[c]
			}
		}
	}
	return out, nil
}

// base returns the ImgSize×ImgSize RGB image in HWC order with values in
// [0, 1], decoding and resizing on a cache miss.
func (t *Transform) base(s Sample) ([]float32, error) {
	key := []byte(fmt.Sprintf("%s@%d", s.Key, t.ImgSize))
	if t.Cache != nil {
		if raw := t.Cache.GetBig(nil, key); len(raw) > 0 {
			return decodeFloats(raw)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(s.Image))
	if err != nil {
		return nil, err
	}
	pixels, err := resizeNearest(img, t.ImgSize)
	if err != nil {
		return nil, err
	}
	if t.Cache != nil {
		t.Cache.SetBig(key, encodeFloats(pixels))
	}
	return pixels, nil
}

// resizeNearest samples img on a size×size grid.
func resizeNearest(img image.Image, size int) ([]float32, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	out := make([]float32, size*size*3)
	stepX := float64(width) / float64(size)
	stepY := float64(height) / float64(size)
	for gy := 0; gy < size; gy++ {
		for gx := 0; gx < size; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			i := (gy*size + gx) * 3
			out[i] = float32(r) / 65535
			out[i+1] = float32(g) / 65535
			out[i+2] = float32(b) / 65535
		}
	}
	return out, nil
}

func encodeFloats(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt cache entry of %d bytes", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
