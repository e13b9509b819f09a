// Package gpu holds HAL plumbing shared by the mesh store, the picker and
// the frame renderer: buffer upload, byte packing, offscreen targets,
// readback and isolated resource release.
package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrEmptyBuffer is returned when asked to upload zero bytes.
var ErrEmptyBuffer = errors.New("gpu: empty buffer")

// CreateBufferInit creates a buffer holding data. The size is rounded up to
// 4 bytes as required for queue writes; CopyDst is always added to usage.
func CreateBufferInit(device hal.Device, queue hal.Queue, label string, usage gputypes.BufferUsage, data []byte) (hal.Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", label, ErrEmptyBuffer)
	}
	size := (uint64(len(data)) + 3) &^ 3
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s (%d bytes): %w", label, size, err)
	}
	if uint64(len(data)) != size {
		padded := make([]byte, size)
		copy(padded, data)
		data = padded
	}
	if err := queue.WriteBuffer(buf, 0, data); err != nil {
		device.DestroyBuffer(buf)
		return nil, fmt.Errorf("write %s: %w", label, err)
	}
	return buf, nil
}

// CreateBuffer creates an uninitialized buffer of size bytes.
func CreateBuffer(device hal.Device, label string, usage gputypes.BufferUsage, size uint64) (hal.Buffer, error) {
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("create %s (%d bytes): %w", label, size, err)
	}
	return buf, nil
}

// Float32Bytes packs v as little-endian bytes.
func Float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Uint32Bytes packs v as little-endian bytes.
func Uint32Bytes(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, u := range v {
		binary.LittleEndian.PutUint32(out[i*4:], u)
	}
	return out
}

// PutFloat32s writes v into dst starting at byte offset off.
func PutFloat32s(dst []byte, off int, v ...float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[off+i*4:], math.Float32bits(f))
	}
}

// PutUint32s writes v into dst starting at byte offset off.
func PutUint32s(dst []byte, off int, v ...uint32) {
	for i, u := range v {
		binary.LittleEndian.PutUint32(dst[off+i*4:], u)
	}
}

// ReadMapped maps size bytes of a MapRead buffer, copies them out and
// unmaps. The caller must have observed completion of every submission
// writing to buf.
func ReadMapped(device hal.Device, buf hal.Buffer, size uint64) ([]byte, error) {
	mapping, err := device.MapBuffer(buf, 0, size)
	if err != nil {
		return nil, fmt.Errorf("map readback buffer: %w", err)
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(mapping.Ptr), size)) //nolint:gosec // mapping covers size bytes
	if err := device.UnmapBuffer(buf); err != nil {
		return nil, fmt.Errorf("unmap readback buffer: %w", err)
	}
	return out, nil
}
