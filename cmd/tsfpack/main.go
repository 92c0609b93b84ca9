// Command tsfpack converts an image into a tiled streaming file (.tsf)
// with a full RGBA8 mip chain.
package main

import (
	"bufio"
	"flag"
	"image"
	"log"
	"os"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/tilestream/internal/tile"
	"github.com/gogpu/tilestream/internal/tsf"
)

func main() {
	var (
		input    = flag.String("in", "", "source image (png, jpeg, gif, bmp, tiff)")
		output   = flag.String("out", "", "output .tsf file")
		compress = flag.Bool("zstd", true, "compress tiles with zstd")
		maxMips  = flag.Uint("mips", 0, "mip levels (0 = full chain)")
	)
	flag.Parse()

	if *input == "" || *output == "" {
		flag.Usage()
		os.Exit(2)
	}

	src, err := imaging.Open(*input)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *input, err)
	}
	b := src.Bounds()
	h := tsf.Header{
		Format:    tile.FormatRGBA8,
		Width:     uint32(b.Dx()), //nolint:gosec // image bounds are positive
		Height:    uint32(b.Dy()), //nolint:gosec // image bounds are positive
		MipLevels: uint32(*maxMips),
	}
	if *compress {
		h.Compression = tsf.Zstd
	}

	layout, err := tile.NewLayout(h.Format, h.Width, h.Height, h.MipLevels)
	if err != nil {
		log.Fatalf("Unsupported image %s: %v", *input, err)
	}

	mips := buildMips(imaging.Clone(src), layout)
	tiles := make([][]byte, 0, layout.NumTiles())
	for mip := uint32(0); mip < layout.NumStandardMips(); mip++ {
		tiles = append(tiles, splitTiles(mips[mip], layout, mip)...)
	}
	var packed []byte
	for _, img := range mips[layout.NumStandardMips():] {
		packed = append(packed, img.Pix...)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *output, err)
	}
	w := bufio.NewWriter(f)
	if err := tsf.Write(w, h, packed, tiles); err != nil {
		_ = f.Close()
		log.Fatalf("Failed to write %s: %v", *output, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		log.Fatalf("Failed to write %s: %v", *output, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Failed to close %s: %v", *output, err)
	}

	log.Printf("Packed %s into %s: %dx%d, %d mips (%d packed), %d tiles, %s\n",
		*input, *output, h.Width, h.Height, layout.MipLevels(), layout.NumPackedMips(),
		layout.NumTiles(), h.Compression)
}

// buildMips returns one image per mip level, each the box-filtered half
// of the previous one.
func buildMips(base *image.NRGBA, layout *tile.Layout) []*image.NRGBA {
	mips := make([]*image.NRGBA, layout.MipLevels())
	mips[0] = base
	for mip := uint32(1); mip < layout.MipLevels(); mip++ {
		w, h := layout.MipSize(mip)
		mips[mip] = imaging.Resize(mips[mip-1], int(w), int(h), imaging.Box)
	}
	return mips
}

// splitTiles cuts one mip into tiles in row order. Edge tiles are padded
// with transparent black.
func splitTiles(img *image.NRGBA, layout *tile.Layout, mip uint32) [][]byte {
	tw, th := layout.TileShape()
	out := make([][]byte, 0, layout.TilesX(mip)*layout.TilesY(mip))
	for y := uint32(0); y < layout.TilesY(mip); y++ {
		for x := uint32(0); x < layout.TilesX(mip); x++ {
			dst := image.NewNRGBA(image.Rect(0, 0, int(tw), int(th)))
			r := image.Rect(int(x*tw), int(y*th), int((x+1)*tw), int((y+1)*th))
			xdraw.Copy(dst, image.Point{}, img, r, xdraw.Src, nil)
			out = append(out, dst.Pix)
		}
	}
	return out
}
