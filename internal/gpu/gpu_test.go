package gpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/bimview/internal/gputest"
)

func TestCreateBufferInitPads(t *testing.T) {
	dev, queue := gputest.New(t)
	buf, err := CreateBufferInit(dev, queue, "indices", gputypes.BufferUsageIndex, []byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("CreateBufferInit failed: %v", err)
	}
	b := buf.(*gputest.Buffer)
	if b.Size != 8 {
		t.Errorf("size = %d, want 8", b.Size)
	}
	if b.Usage&gputypes.BufferUsageCopyDst == 0 {
		t.Error("CopyDst not added to usage")
	}
	data := dev.BufferData(b)
	if want := []byte{1, 2, 3, 4, 5, 6, 0, 0}; string(data) != string(want) {
		t.Errorf("contents = %v, want %v", data, want)
	}
	DestroyBuffer(dev, buf, "indices")
	if got := dev.Live().Buffers; got != 0 {
		t.Errorf("live buffers = %d", got)
	}
}

func TestCreateBufferInitErrors(t *testing.T) {
	dev, queue := gputest.New(t)
	if _, err := CreateBufferInit(dev, queue, "empty", gputypes.BufferUsageVertex, nil); !errors.Is(err, ErrEmptyBuffer) {
		t.Errorf("empty upload err = %v, want ErrEmptyBuffer", err)
	}
	dev.FailBufferAfter = 0
	if _, err := CreateBufferInit(dev, queue, "vertices", gputypes.BufferUsageVertex, []byte{1, 2, 3, 4}); !errors.Is(err, gputest.ErrInjected) {
		t.Errorf("failed allocation err = %v, want ErrInjected", err)
	}
}

func TestPackers(t *testing.T) {
	dst := make([]byte, 16)
	PutFloat32s(dst, 0, 1.5, -2)
	PutUint32s(dst, 8, 7, 0xdeadbeef)
	if got := gputest.Float32s(dst[:8]); got[0] != 1.5 || got[1] != -2 {
		t.Errorf("floats = %v", got)
	}
	if got := gputest.Uint32s(dst[8:]); got[0] != 7 || got[1] != 0xdeadbeef {
		t.Errorf("uints = %v", got)
	}
	if string(Float32Bytes([]float32{1.5, -2})) != string(dst[:8]) {
		t.Error("Float32Bytes disagrees with PutFloat32s")
	}
	if string(Uint32Bytes([]uint32{7, 0xdeadbeef})) != string(dst[8:]) {
		t.Error("Uint32Bytes disagrees with PutUint32s")
	}
}

func TestReleaseRecoversPanics(t *testing.T) {
	dev, _ := gputest.New(t)
	buf, err := CreateBuffer(dev, "uniforms", gputypes.BufferUsageUniform, 64)
	if err != nil {
		t.Fatal(err)
	}
	dev.PanicOnDestroyBuffer = true
	if Release("uniforms", func() { dev.DestroyBuffer(buf) }) {
		t.Error("Release reported success for a panicking destroy")
	}
	if !Release("noop", func() {}) {
		t.Error("Release reported failure for a clean destroy")
	}
	DestroyBuffer(dev, nil, "nil buffer")
	DestroyBindGroup(dev, nil, "nil group")
}

func TestTargetEnsure(t *testing.T) {
	dev, _ := gputest.New(t)
	target := Target{
		Label:       "pick",
		ColorFormat: gputypes.TextureFormatR32Uint,
		ColorUsage:  gputypes.TextureUsageCopySrc,
		DepthFormat: gputypes.TextureFormatDepth32Float,
	}

	tests := []struct {
		name        string
		w, h        uint32
		wantCreated bool
		wantGen     uint64
	}{
		{"first use", 64, 32, true, 1},
		{"same size", 64, 32, false, 1},
		{"resize", 128, 32, true, 2},
	}
	for _, tt := range tests {
		created, err := target.Ensure(dev, tt.w, tt.h)
		if err != nil {
			t.Fatalf("%s: Ensure failed: %v", tt.name, err)
		}
		if created != tt.wantCreated || target.Generation != tt.wantGen {
			t.Errorf("%s: created = %v gen = %d, want %v %d", tt.name, created, target.Generation, tt.wantCreated, tt.wantGen)
		}
		if live := dev.Live(); live.Textures != 2 || live.Views != 2 {
			t.Errorf("%s: live = %+v, want 2 textures and 2 views", tt.name, live)
		}
	}
	if got := target.Color.(*gputest.Texture).Desc.Usage; got != gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc {
		t.Errorf("color usage = %v", got)
	}

	target.Destroy(dev)
	target.Destroy(dev)
	if live := dev.Live(); live.Total() != 0 {
		t.Errorf("live after Destroy = %+v", live)
	}
}

func TestTargetDepthOnly(t *testing.T) {
	dev, _ := gputest.New(t)
	target := Target{Label: "frame", DepthFormat: gputypes.TextureFormatDepth24Plus}
	if _, err := target.Ensure(dev, 16, 16); err != nil {
		t.Fatal(err)
	}
	if target.Color != nil || target.ColorView != nil {
		t.Error("depth-only target created a color texture")
	}
	if live := dev.Live(); live.Textures != 1 || live.Views != 1 {
		t.Errorf("live = %+v", live)
	}
	target.Destroy(dev)
}
