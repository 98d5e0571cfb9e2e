// Procedural contour suppliers: circles, regular polygons, noise blobs, and
// image-space traces normalized into the scene.
package contour

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/drone-swarm/internal/geom"
)

// imageExtent is the scene width a traced image is normalized to.
const imageExtent = 100.0

// Circle returns n points on a horizontal circle around center.
func Circle(center geom.Vec3, radius float64, n int) []geom.Vec3 {
	pts := make([]geom.Vec3, 0, n)
	for i := 0; i < n; i++ {
		sin, cos := math.Sincos(2 * math.Pi * float64(i) / float64(n))
		pts = append(pts, geom.Vec3{
			X: center.X + radius*cos,
			Y: center.Y,
			Z: center.Z + radius*sin,
		})
	}
	return pts
}

// Polygon returns the vertices of a regular polygon with the given number of
// sides, circumscribed by radius, lying on the ground plane.
func Polygon(sides int, radius float64) []geom.Vec3 {
	return Circle(geom.Zero, radius, sides)
}

// BlobConfig controls procedural blob generation.
type BlobConfig struct {
	Seed      int64
	Radius    float64 // mean radius
	Roughness float64 // 0 = circle, <1 keeps the radius positive
	Vertices  int
	Octaves   int
}

// DefaultBlobConfig returns a moderately lumpy 40-unit blob.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{
		Seed:      42,
		Radius:    40,
		Roughness: 0.35,
		Vertices:  180,
		Octaves:   3,
	}
}

// Blob returns a closed, star-shaped contour whose radius is modulated by
// simplex noise. Noise is sampled on a circle so the ends meet seamlessly.
func Blob(cfg BlobConfig) []geom.Vec3 {
	noise := opensimplex.NewNormalized(cfg.Seed)
	octaves := cfg.Octaves
	if octaves < 1 {
		octaves = 1
	}

	pts := make([]geom.Vec3, 0, cfg.Vertices)
	for i := 0; i < cfg.Vertices; i++ {
		sin, cos := math.Sincos(2 * math.Pi * float64(i) / float64(cfg.Vertices))
		v := octaveNoise(noise, cos, sin, octaves, 1.0, 0.5)
		r := cfg.Radius * (1 + cfg.Roughness*(2*v-1))
		pts = append(pts, geom.Vec3{X: r * cos, Y: 0, Z: r * sin})
	}
	return pts
}

// octaveNoise layers several noise frequencies; the result stays in [0, 1).
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

// FromImage maps a traced 2D contour in pixel coordinates onto the scene's
// ground plane. The frame center becomes the origin and each axis is scaled
// to a 100-unit extent; image rows grow downward, so y becomes -Z.
func FromImage(pixels [][2]float64, width, height int) []geom.Vec3 {
	if width <= 0 || height <= 0 {
		return nil
	}
	cx, cy := float64(width)/2, float64(height)/2

	pts := make([]geom.Vec3, 0, len(pixels))
	for _, p := range pixels {
		x := (p[0] - cx) * imageExtent / float64(width)
		y := (p[1] - cy) * imageExtent / float64(height)
		pts = append(pts, geom.Vec3{X: x, Y: 0, Z: -y})
	}
	return pts
}

// ImageTrace is a contour traced on an image, in pixel coordinates.
type ImageTrace struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Pixels [][2]float64 `json:"pixels"`
}

// Points normalizes the trace into the scene with FromImage.
func (t ImageTrace) Points() ([]geom.Vec3, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("image size %dx%d: %w", t.Width, t.Height, ErrDegenerateContour)
	}
	if len(t.Pixels) == 0 {
		return nil, fmt.Errorf("image trace has no pixels: %w", ErrDegenerateContour)
	}
	return FromImage(t.Pixels, t.Width, t.Height), nil
}

// ReadImageTrace decodes a JSON ImageTrace and normalizes it.
func ReadImageTrace(r io.Reader) ([]geom.Vec3, error) {
	var t ImageTrace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode image trace: %w", err)
	}
	return t.Points()
}
