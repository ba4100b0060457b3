package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/Tutortoise/catscan/models"
)

const Channels = 3

// Decode reads the photo and decodes it into an NRGBA buffer with origin (0,0).
// EXIF orientation is applied, so width and height match what the user saw.
func Decode(photo *models.EncodedPhoto) (*image.NRGBA, error) {
	rc, err := photo.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, models.NewInputError("read photo", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.NewDecodeError("decode photo", err)
	}
	if img.Bounds().Empty() {
		return nil, models.NewDecodeError("decoded photo has no pixels", nil)
	}

	return imaging.Clone(img), nil
}

// Preprocess decodes the photo and resamples it into a size x size x 3 tensor.
func Preprocess(photo *models.EncodedPhoto, size int) (*Tensor, error) {
	img, err := Decode(photo)
	if err != nil {
		return nil, err
	}
	return FromImage(img, size)
}

// FromImage resamples img with nearest-neighbour index mapping and scales
// every channel to [0,1]. Alpha is dropped.
func FromImage(img *image.NRGBA, size int) (*Tensor, error) {
	if size <= 0 {
		return nil, models.NewInputError(fmt.Sprintf("invalid target size %d", size), nil)
	}
	srcW, srcH := img.Rect.Dx(), img.Rect.Dy()
	if srcW <= 0 || srcH <= 0 {
		return nil, models.NewDecodeError("image has no pixels", nil)
	}

	t := NewTensor(size, size, Channels, HWC)

	numWorkers := min(runtime.GOMAXPROCS(0), size)
	rowsPerWorker := size / numWorkers
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = size
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				srcY := img.Rect.Min.Y + y*srcH/size
				dst := y * size * Channels
				for x := 0; x < size; x++ {
					src := img.PixOffset(img.Rect.Min.X+x*srcW/size, srcY)
					t.Data[dst] = float32(img.Pix[src]) / 255.0
					t.Data[dst+1] = float32(img.Pix[src+1]) / 255.0
					t.Data[dst+2] = float32(img.Pix[src+2]) / 255.0
					dst += Channels
				}
			}
		}(startY, endY)
	}

	wg.Wait()
	return t, nil
}
