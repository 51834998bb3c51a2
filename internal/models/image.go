package models

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultImageCount = 4
	MaxImageCount     = 10
)

// Size of a generated image
type Size string

const (
	SizeSquare Size = "square"
	SizeWide   Size = "wide"
	SizeTall   Size = "tall"
)

// Dimensions returns the provider size string
func (s Size) Dimensions() string {
	switch s {
	case SizeWide:
		return "1792x1024"
	case SizeTall:
		return "1024x1792"
	default:
		return "1024x1024"
	}
}

// Style of a generated image
type Style string

const (
	StyleVivid   Style = "vivid"
	StyleNatural Style = "natural"
)

// Quality of a generated image
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

// Cost is an amount of credit in millicents (1 cent = 1000 millicents)
type Cost int64

// Cents builds a Cost from whole cents
func Cents(c int64) Cost {
	return Cost(c * 1000)
}

// Dollars converts the cost to dollars
func (c Cost) Dollars() float64 {
	return float64(c) / 100_000.0
}

// ImageOptions describes an image generation request
type ImageOptions struct {
	Prompt  string
	Count   int
	Size    Size
	Style   Style
	Quality Quality
}

// DefaultImageOptions returns the options used when none are given
func DefaultImageOptions(prompt string) ImageOptions {
	return ImageOptions{
		Prompt:  prompt,
		Count:   DefaultImageCount,
		Size:    SizeSquare,
		Style:   StyleVivid,
		Quality: QualityStandard,
	}
}

// UnitCost is the price of a single image with these options
func (o ImageOptions) UnitCost() Cost {
	square := o.Size == SizeSquare || o.Size == ""
	hd := o.Quality == QualityHD
	switch {
	case square && !hd:
		return Cents(4)
	case square && hd:
		return Cents(8)
	case !hd:
		return Cents(8)
	default:
		return Cents(12)
	}
}

// Cost is the price of the whole request
func (o ImageOptions) Cost() Cost {
	return o.UnitCost() * Cost(o.Count)
}

// SetOption applies one key=value option. Unknown keys and values are errors.
func (o *ImageOptions) SetOption(key, value string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	switch strings.ToLower(key) {
	case "n", "num", "count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid image count %q", value)
		}
		o.Count = n
	case "size":
		switch Size(value) {
		case SizeSquare, SizeWide, SizeTall:
			o.Size = Size(value)
		default:
			return fmt.Errorf("invalid size %q", value)
		}
	case "style":
		switch Style(value) {
		case StyleVivid, StyleNatural:
			o.Style = Style(value)
		default:
			return fmt.Errorf("invalid style %q", value)
		}
	case "quality":
		switch Quality(value) {
		case QualityStandard, QualityHD:
			o.Quality = Quality(value)
		default:
			return fmt.Errorf("invalid quality %q", value)
		}
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}
