// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/framesched/device"
)

// CreateTexture creates an RGBA8 texture from img. When maxExtent is
// positive and the image is larger in either dimension, it is downscaled
// with Catmull-Rom filtering, keeping the aspect ratio. The pixels are
// uploaded by a copy task of the current frame.
func (s *Scheduler) CreateTexture(label string, img image.Image, maxExtent int) (ResourceID, error) {
	rgba, err := toRGBA(img, maxExtent)
	if err != nil {
		return 0, err
	}
	size := rgba.Bounds().Size()
	return s.CreateResource(KindTexture, device.ResourceDesc{
		Label:  label,
		Width:  uint32(size.X),
		Height: uint32(size.Y),
	}, rgba.Pix)
}

// toRGBA converts img into a tightly packed RGBA image.
func toRGBA(img image.Image, maxExtent int) (*image.RGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrInvalidImage
	}
	src := img.Bounds()
	w, h := fitExtent(src.Dx(), src.Dy(), maxExtent)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	if w == src.Dx() && h == src.Dy() {
		xdraw.Copy(dst, image.Point{}, img, src, xdraw.Src, nil)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, src, xdraw.Src, nil)
	}
	if dst.Stride != 4*w {
		return nil, fmt.Errorf("framesched: unexpected stride %d for width %d", dst.Stride, w)
	}
	return dst, nil
}

// fitExtent scales w x h down to fit max x max. Dimensions never drop
// below one texel.
func fitExtent(w, h, maxExtent int) (int, int) {
	if maxExtent <= 0 || (w <= maxExtent && h <= maxExtent) {
		return w, h
	}
	if w >= h {
		return maxExtent, max(1, h*maxExtent/w)
	}
	return max(1, w*maxExtent/h), maxExtent
}
