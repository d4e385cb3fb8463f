package image

import (
	"context"

	"github.com/dmorgan81/imagegen/internal/model"
)

type Params struct {
	Prompt string `json:"prompt"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
	Steps  int    `json:"num_inference_steps"`
}

// Pipeline is a loaded model ready to turn prompts into PNG bytes.
type Pipeline interface {
	Generate(context.Context, Params) ([]byte, error)
	Close(context.Context) error
}

// Loader constructs pipelines. Loading is slow and may block for minutes.
type Loader interface {
	Load(context.Context, model.Variant) (Pipeline, error)
}

type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
	DeviceAuto Device = "auto"
)

// Steps is the number of inference steps used on the device.
func (d Device) Steps() int {
	if d == DeviceCUDA {
		return 50
	}
	return 25
}

// Prober reports which device the pipelines run on.
type Prober interface {
	Device(context.Context) (Device, error)
}
