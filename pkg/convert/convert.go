// SPDX-License-Identifier: GPL-2.0-or-later

// Package convert turns interleaved RGBA pictures into planar YUV
// on the GPU. One compute dispatch per picture, synchronous readback.
package convert

import (
	_ "embed"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rajveermalviya/go-webgpu/wgpu"
)

//go:embed rgba_to_planar.wgsl
var shaderSrc string

// Convert errors.
var (
	ErrNoDevice          = errors.New("no gpu compute device available")
	ErrUnsupportedFormat = errors.New("unsupported target format")
	ErrInvalidSize       = errors.New("invalid frame size")
	ErrClosed            = errors.New("converter is closed")
)

const workgroupSize = 16

// Tracks GPU resource acquisitions. A failed construction
// must return this to its previous value.
var liveResources int64

// LiveResources returns the number of held GPU resources.
func LiveResources() int64 {
	return atomic.LoadInt64(&liveResources)
}

// Plane indices within the converter.
const (
	planeY = iota
	planeU
	planeV
	planeA
	planeCount
)

type planeBuffer struct {
	storage  *wgpu.Buffer
	readback *wgpu.Buffer

	width  int
	height int
	size   uint64 // Padded to a word boundary.
}

// Converter converts fixed-size RGBA pictures to planar frames.
// Not safe for concurrent use.
type Converter struct {
	width  int
	height int
	format PixelFormat

	instance *wgpu.Instance
	device   *wgpu.Device
	queue    *wgpu.Queue
	pipeline *wgpu.ComputePipeline
	scratch  *wgpu.Texture
	planes   [planeCount]planeBuffer
	bindings *wgpu.BindGroup

	zeros []byte

	// Release functions in acquisition order.
	acquired []func()
	closed   bool
}

// NewConverter builds the compute pipeline for pictures of the given
// size. Returns ErrNoDevice when no adapter or device can be acquired.
func NewConverter(format PixelFormat, width int, height int) (*Converter, error) {
	if format != PixelFormatYUV420 && format != PixelFormatYUVA420 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %vx%v", ErrInvalidSize, width, height)
	}

	c := &Converter{
		width:  width,
		height: height,
		format: format,
		zeros:  make([]byte, paddedSize(width*height)),
	}
	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Converter) track(release func()) {
	atomic.AddInt64(&liveResources, 1)
	c.acquired = append(c.acquired, func() {
		release()
		atomic.AddInt64(&liveResources, -1)
	})
}

func (c *Converter) setup() error { //nolint:funlen
	c.instance = wgpu.CreateInstance(nil)
	if c.instance == nil {
		return ErrNoDevice
	}
	c.track(c.instance.Release)

	adapter, err := c.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreference_HighPerformance,
	})
	if err != nil {
		return fmt.Errorf("%w: request adapter: %v", ErrNoDevice, err)
	}
	c.track(adapter.Release)

	c.device, err = adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("%w: request device: %v", ErrNoDevice, err)
	}
	c.track(c.device.Release)

	c.queue = c.device.GetQueue()

	shader, err := c.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "rgba_to_planar",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaderSrc},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}
	c.track(shader.Release)

	c.pipeline, err = c.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "rgba_to_planar",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	c.track(c.pipeline.Release)

	c.scratch, err = c.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "source",
		Size: wgpu.Extent3D{
			Width:              uint32(c.width),
			Height:             uint32(c.height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension_2D,
		Format:        wgpu.TextureFormat_RGBA8Unorm,
		Usage:         wgpu.TextureUsage_TextureBinding | wgpu.TextureUsage_CopyDst,
	})
	if err != nil {
		return fmt.Errorf("create source texture: %w", err)
	}
	c.track(c.scratch.Release)

	srcView, err := c.scratch.CreateView(nil)
	if err != nil {
		return fmt.Errorf("create source view: %w", err)
	}
	c.track(srcView.Release)

	chromaW := chromaDim(c.width)
	chromaH := chromaDim(c.height)

	planeDims := [planeCount][2]int{
		planeY: {c.width, c.height},
		planeU: {chromaW, chromaH},
		planeV: {chromaW, chromaH},
		planeA: {c.width, c.height},
	}
	for i, dims := range planeDims {
		if err := c.createPlane(i, dims[0], dims[1]); err != nil {
			return err
		}
	}

	layout := c.pipeline.GetBindGroupLayout(0)
	defer layout.Release()

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, TextureView: srcView},
	}
	for i, plane := range c.planes {
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(i + 1),
			Buffer:  plane.storage,
			Size:    plane.size,
		})
	}

	c.bindings, err = c.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "rgba_to_planar",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	c.track(c.bindings.Release)

	return nil
}

func (c *Converter) createPlane(index int, width int, height int) error {
	size := paddedSize(width * height)

	storage, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "plane",
		Size:  size,
		Usage: wgpu.BufferUsage_Storage |
			wgpu.BufferUsage_CopySrc |
			wgpu.BufferUsage_CopyDst,
	})
	if err != nil {
		return fmt.Errorf("create plane buffer: %w", err)
	}
	c.track(storage.Release)

	readback, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "plane readback",
		Size:  size,
		Usage: wgpu.BufferUsage_MapRead | wgpu.BufferUsage_CopyDst,
	})
	if err != nil {
		return fmt.Errorf("create readback buffer: %w", err)
	}
	c.track(readback.Release)

	c.planes[index] = planeBuffer{
		storage:  storage,
		readback: readback,
		width:    width,
		height:   height,
		size:     size,
	}
	return nil
}

// Storage bindings and buffer copies want word-aligned sizes.
func paddedSize(bytes int) uint64 {
	return uint64((bytes + 3) &^ 3)
}

// Convert runs one dispatch over rgba and reads the planes back into
// frame. When alphaFrame is not nil its luma receives the alpha plane;
// the chroma planes are left untouched.
func (c *Converter) Convert(rgba []byte, frame *Frame, alphaFrame *Frame) error {
	if c.closed {
		return ErrClosed
	}
	if len(rgba) < c.width*c.height*4 {
		return fmt.Errorf("%w: got %v bytes, need %v",
			ErrInvalidSize, len(rgba), c.width*c.height*4)
	}

	c.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture: c.scratch,
			Aspect:  wgpu.TextureAspect_All,
		},
		rgba[:c.width*c.height*4],
		&wgpu.TextureDataLayout{
			BytesPerRow:  uint32(c.width * 4),
			RowsPerImage: uint32(c.height),
		},
		&wgpu.Extent3D{
			Width:              uint32(c.width),
			Height:             uint32(c.height),
			DepthOrArrayLayers: 1,
		},
	)

	// The shader ORs bytes into words, the buffers must start zeroed.
	for _, plane := range c.planes {
		c.queue.WriteBuffer(plane.storage, 0, c.zeros[:plane.size])
	}

	encoder, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	defer encoder.Release()

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(c.pipeline)
	pass.SetBindGroup(0, c.bindings, nil)
	pass.DispatchWorkgroups(
		dispatchDim(c.width),
		dispatchDim(c.height),
		1,
	)
	pass.End()
	pass.Release()

	for _, plane := range c.planes {
		err := encoder.CopyBufferToBuffer(
			plane.storage, 0, plane.readback, 0, plane.size)
		if err != nil {
			return fmt.Errorf("copy plane to readback: %w", err)
		}
	}

	commands, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command encoder: %w", err)
	}
	defer commands.Release()

	c.queue.Submit(commands)

	if err := c.readPlane(planeY, frame.Y, frame.StrideY); err != nil {
		return err
	}
	if err := c.readPlane(planeU, frame.U, frame.StrideU); err != nil {
		return err
	}
	if err := c.readPlane(planeV, frame.V, frame.StrideV); err != nil {
		return err
	}
	if alphaFrame != nil {
		if err := c.readPlane(planeA, alphaFrame.Y, alphaFrame.StrideY); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) readPlane(index int, dst []byte, dstStride int) error {
	plane := c.planes[index]

	// The zero status is success, track completion separately.
	var status wgpu.BufferMapAsyncStatus
	mapped := false
	err := plane.readback.MapAsync(wgpu.MapMode_Read, 0, plane.size,
		func(s wgpu.BufferMapAsyncStatus) {
			status = s
			mapped = true
		})
	if err != nil {
		return fmt.Errorf("map readback buffer: %w", err)
	}
	defer plane.readback.Unmap()

	c.device.Poll(true, nil)

	if !mapped || status != wgpu.BufferMapAsyncStatus_Success {
		return fmt.Errorf("map readback buffer: status %v", status)
	}

	data := plane.readback.GetMappedRange(0, uint(plane.size))
	copyPlane(dst, dstStride, data, plane.width, plane.height)
	return nil
}

func dispatchDim(d int) uint32 {
	return uint32((d + workgroupSize - 1) / workgroupSize)
}

// Width returns the picture width the converter was built for.
func (c *Converter) Width() int { return c.width }

// Height returns the picture height the converter was built for.
func (c *Converter) Height() int { return c.height }

// Close releases all GPU resources in reverse acquisition order.
// Safe to call multiple times.
func (c *Converter) Close() {
	if c.closed {
		return
	}
	c.closed = true

	for i := len(c.acquired) - 1; i >= 0; i-- {
		c.acquired[i]()
	}
	c.acquired = nil
}
