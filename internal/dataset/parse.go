package dataset

import (
	"bufio"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageChannels is the channel count of a decoded color raster.
const ImageChannels = 3

// newLineScanner splits r into lines of any length; a label matrix written on
// a single line easily exceeds bufio's default 64 KiB token limit.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), math.MaxInt32)
	return scanner
}

// ParseLabel reads whitespace separated floats on any number of lines and
// flattens them in read order.
func ParseLabel(r io.Reader) ([]float32, error) {
	var out []float32
	scanner := newLineScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		for _, field := range strings.Fields(scanner.Text()) {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			out = append(out, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseState reads one float per line. Blank lines are skipped.
func ParseState(r io.Reader) ([]float32, error) {
	var out []float32
	scanner := newLineScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, float32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFile(path string, parse func(io.Reader) ([]float32, error)) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	values, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return values, nil
}

// LoadImage decodes the raster at path and lays it out as [3, H, W] with raw
// 0-255 values. The format is sniffed from the content, so the extension does
// not have to match. Channels are in B, G, R order, the layout OpenCV-produced
// training data uses; grayscale sources get three identical channels.
func LoadImage(path string) (Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return Array{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return Array{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return imageToCHW(img), nil
}

func imageToCHW(img image.Image) Array {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	out := NewArray(ImageChannels, height, width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x
			out.Data[i] = float32(b >> 8)
			out.Data[plane+i] = float32(g >> 8)
			out.Data[2*plane+i] = float32(r >> 8)
		}
	}
	return out
}
