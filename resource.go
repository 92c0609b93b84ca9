package tilestream

import (
	"image"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/resource"
	"github.com/gogpu/tilestream/internal/uploader"
)

// Resource is a streamed sparse texture.
//
// A Resource is owned by the Manager that created it.
type Resource struct {
	m        *Manager
	res      *resource.Resource
	heap     *Heap
	filename string

	queuedFrame     uint64
	residencyOffset int
	destroyed       bool
}

func (r *Resource) target() uploader.Target {
	return uploader.Target{Resource: r.res, Heap: r.heap.h}
}

// ID returns the resource id used in trace files.
func (r *Resource) ID() uint64 { return r.res.ID() }

// Filename returns the file the resource streams from.
func (r *Resource) Filename() string { return r.filename }

// Heap returns the heap backing the resource.
func (r *Resource) Heap() *Heap { return r.heap }

// Texture returns the device texture for binding in draws.
func (r *Resource) Texture() device.Texture { return r.res.Texture() }

// Dimensions returns the size of mip 0 and the number of mip levels.
func (r *Resource) Dimensions() (width, height, mipLevels uint32) {
	l := r.res.Layout()
	return l.Width(), l.Height(), l.MipLevels()
}

// NumStandardMips returns the number of mips streamed tile by tile.
func (r *Resource) NumStandardMips() uint32 { return r.res.Layout().NumStandardMips() }

// NumTiles returns the number of streamable tiles.
func (r *Resource) NumTiles() int { return r.res.Layout().NumTiles() }

// NumResidentTiles returns the number of resident tiles.
func (r *Resource) NumResidentTiles() int { return r.res.Counts().Resident }

// PackedMipsResident reports whether the packed mips are loaded.
func (r *Resource) PackedMipsResident() bool { return r.res.State() == resource.Ready }

// ResidencyMapOffset returns the byte offset of this resource in the
// shared residency map. Valid after the BeginFrame following creation.
func (r *Resource) ResidencyMapOffset() int { return r.residencyOffset }

// ResidencyImage returns the residency map as an image with one pixel per
// mip 0 tile. Brighter pixels have finer mips resident; black means only
// the packed mips.
func (r *Resource) ResidencyImage() *image.Gray {
	l := r.res.Layout()
	w, h := l.FeedbackSize()
	img := image.NewGray(image.Rect(0, 0, int(w), int(h)))
	numStd := int(l.NumStandardMips())
	for i, mip := range r.res.ResidencyMap() {
		if numStd > 0 {
			img.Pix[i] = uint8(255 * (numStd - int(mip)) / numStd) //nolint:gosec // 0..255
		}
	}
	return img
}

// WriteResidencyPNG encodes the residency image scaled by scale as PNG.
func (r *Resource) WriteResidencyPNG(w io.Writer, scale int) error {
	src := r.ResidencyImage()
	if scale <= 1 {
		return png.Encode(w, src)
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return png.Encode(w, dst)
}

// Destroy evicts every tile of the resource, frees its pages and removes
// it from the Manager. It panics within a frame.
func (r *Resource) Destroy() error {
	if r.destroyed {
		return nil
	}
	m := r.m
	if m.withinFrame {
		panic("tilestream: Resource.Destroy called within a frame")
	}
	m.Finish()
	err := m.releaseResource(r)
	for i, x := range m.resources {
		if x == r {
			m.resources = append(m.resources[:i], m.resources[i+1:]...)
			break
		}
	}
	m.resourcesChanged = true
	return err
}
