package data

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmenter applies the SimCLR augmentation chain: random resized crop,
// horizontal flip, small rotation, color jitter and random grayscale. Each
// call draws fresh randomness, so two calls on the same image produce the two
// independent views the contrastive loss needs.
type Augmenter struct {
	// OutputSize is the side of the square output image.
	OutputSize int

	// MinCropScale is the smallest area fraction a random crop may keep.
	MinCropScale float64

	// AngleStdDev is the standard deviation, in degrees, of the random rotation.
	// Zero disables rotation.
	AngleStdDev float64

	// FlipProbability for the horizontal flip.
	FlipProbability float64

	// JitterFraction is the maximum relative brightness/contrast/saturation
	// change. Zero disables color jitter.
	JitterFraction float64

	// GrayProbability converts the image to grayscale with this probability.
	GrayProbability float64
}

// NewAugmenter returns an Augmenter with the standard SimCLR settings for the
// given output size.
func NewAugmenter(outputSize int) *Augmenter {
	return &Augmenter{
		OutputSize:      outputSize,
		MinCropScale:    0.6,
		AngleStdDev:     10.0,
		FlipProbability: 0.5,
		JitterFraction:  0.4,
		GrayProbability: 0.2,
	}
}

// Augment produces one randomly augmented view of img, sized
// OutputSize x OutputSize.
func (a *Augmenter) Augment(img image.Image, rng *rand.Rand) image.Image {
	img = a.randomResizedCrop(img, rng)
	if a.AngleStdDev > 0 {
		img = imaging.Rotate(img, rng.NormFloat64()*a.AngleStdDev, color.RGBA{R: 0, G: 0, B: 0, A: 255})
		// Rotation grows the canvas: crop back to the center.
		img = imaging.CropCenter(img, a.OutputSize, a.OutputSize)
	}
	if rng.Float64() < a.FlipProbability {
		img = imaging.FlipH(img)
	}
	if a.JitterFraction > 0 {
		jitter := func() float64 { return (rng.Float64()*2 - 1) * a.JitterFraction * 100 }
		img = imaging.AdjustBrightness(img, jitter())
		img = imaging.AdjustContrast(img, jitter())
		img = imaging.AdjustSaturation(img, jitter())
	}
	if rng.Float64() < a.GrayProbability {
		img = imaging.Grayscale(img)
	}
	return img
}

// randomResizedCrop picks a random square region covering between MinCropScale
// and 1.0 of the shorter side, then resizes it to OutputSize.
func (a *Augmenter) randomResizedCrop(img image.Image, rng *rand.Rand) image.Image {
	bounds := img.Bounds()
	shorter := bounds.Dx()
	if bounds.Dy() < shorter {
		shorter = bounds.Dy()
	}
	scale := a.MinCropScale + rng.Float64()*(1.0-a.MinCropScale)
	side := int(float64(shorter) * scale)
	if side < 1 {
		side = 1
	}
	x0 := bounds.Min.X + rng.Intn(bounds.Dx()-side+1)
	y0 := bounds.Min.Y + rng.Intn(bounds.Dy()-side+1)
	img = imaging.Crop(img, image.Rect(x0, y0, x0+side, y0+side))
	return imaging.Resize(img, a.OutputSize, a.OutputSize, imaging.Lanczos)
}

// CenterResize deterministically resizes img to size x size, cropping to a
// centered square first. Used for validation views, pretext source images and
// probe embedding extraction.
func CenterResize(img image.Image, size int) image.Image {
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
}
