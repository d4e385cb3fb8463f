package image

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAspect     = errors.New("invalid aspect ratio")
	ErrUnknownResolution = errors.New("invalid resolution")
)

type Aspect string

const (
	Portrait  Aspect = "portrait"
	Landscape Aspect = "landscape"
)

type Resolution string

const (
	Low    Resolution = "low"
	Medium Resolution = "medium"
	High   Resolution = "high"
)

type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

var aspectSizes = map[Aspect]Size{
	Portrait:  {Height: 512, Width: 384},
	Landscape: {Height: 384, Width: 512},
}

var resolutionSizes = map[Resolution]Size{
	Low:    {Height: 512, Width: 512},
	Medium: {Height: 768, Width: 768},
	High:   {Height: 1024, Width: 1024},
}

// Dimensions looks up the output size. The resolution tier replaces the
// aspect base size entirely; the aspect is still validated.
func Dimensions(aspect Aspect, res Resolution) (Size, error) {
	size, ok := aspectSizes[aspect]
	if !ok {
		return Size{}, fmt.Errorf("%w: %q", ErrUnknownAspect, aspect)
	}
	if override, ok := resolutionSizes[res]; ok {
		return override, nil
	}
	return size, fmt.Errorf("%w: %q", ErrUnknownResolution, res)
}
