//go:build !preview || !cgo

package preview

import (
	"github.com/pkg/errors"
	"github.com/ryansname/battdisplay/src/meter"
)

// Available reports whether this build can open a window
const Available = false

func Run(_ *meter.Framebuffer, _ string, _ int) error {
	return errors.New("preview window requires building with -tags preview and CGO_ENABLED=1")
}
