package tilestream

import (
	"fmt"

	"github.com/gogpu/tilestream/internal/streamer"
)

// VisualizationMode selects what is streamed into tiles.
type VisualizationMode uint8

const (
	// VisualizationOff streams file data.
	VisualizationOff = VisualizationMode(streamer.ModeOff)

	// VisualizationMipColors fills every tile with the color of its mip.
	VisualizationMipColors = VisualizationMode(streamer.ModeMipColors)

	// VisualizationTileColors fills every tile with a rotating color.
	VisualizationTileColors = VisualizationMode(streamer.ModeTileColors)
)

// String returns the mode name.
func (v VisualizationMode) String() string {
	switch v {
	case VisualizationOff:
		return "Off"
	case VisualizationMipColors:
		return "MipColors"
	case VisualizationTileColors:
		return "TileColors"
	default:
		return fmt.Sprintf("VisualizationMode(%d)", v)
	}
}
