package preprocess

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/catscan/models"
)

const (
	DefaultMaxSide    = 800
	NormalizeQuality  = 100
	CropEncodeQuality = 95
)

// Normalize re-encodes a captured or picked photo as JPEG, fit inside
// maxSide x maxSide. Smaller photos keep their size.
func Normalize(photo *models.EncodedPhoto, maxSide int) (*models.EncodedPhoto, error) {
	img, err := Decode(photo)
	if err != nil {
		return nil, err
	}
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}

	fitted := imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	return EncodeJPEG(fitted, NormalizeQuality)
}

// EncodeJPEG wraps img as an EncodedPhoto holding JPEG bytes.
func EncodeJPEG(img image.Image, quality int) (*models.EncodedPhoto, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, models.NewInputError("encode jpeg", err)
	}
	b := img.Bounds()
	return &models.EncodedPhoto{
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
