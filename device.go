package tilestream

import (
	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/tile"
)

// Device abstraction re-exported for hosts that bring their own GPU
// backend. NewFromProvider covers gogpu HAL devices.
type (
	Device         = device.Device
	Fence          = device.Fence
	HeapMemory     = device.HeapMemory
	Texture        = device.Texture
	TextureDesc    = device.TextureDesc
	Buffer         = device.Buffer
	CommandList    = device.CommandList
	Timer          = device.Timer
	Barrier        = device.Barrier
	BarrierKind    = device.BarrierKind
	ResourceState  = device.ResourceState
	Subject        = device.Subject
	Descriptor     = device.Descriptor
	DescriptorHeap = device.DescriptorHeap
)

// Tile geometry used by Device implementations.
type (
	TileCoord  = tile.Coord
	TileLayout = tile.Layout
	Format     = tile.Format
)

// TileSizeInBytes is the size of one tile and one heap page.
const TileSizeInBytes = tile.SizeInBytes

// NoPage is the page passed to Texture.UpdateTileMappings to unmap a tile.
const NoPage = device.NoPage
