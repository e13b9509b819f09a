// Package bimview is the GPU scene core of a viewer for large federated
// building models.
//
// # Overview
//
// Geometry arrives from a background parser as a stream of per-entity
// meshes. bimview keeps it on the GPU in three tiers: standalone meshes
// while a model is small, color batches (one draw call per distinct color)
// once it grows, and instanced meshes for repeated geometry. Clicks are
// resolved to entities with an identity render pass and a one-pixel
// readback rather than a CPU spatial index.
//
// # Quick Start
//
//	rc, err := render.OpenBackend(gputypes.BackendVulkan)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rc.Destroy()
//
//	v, err := bimview.New(rc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close()
//
//	if err := v.Load(ctx, resp.Body, "tower-a"); err != nil {
//	    log.Print(err)
//	}
//	v.Render(view, format, frame.Frame{ViewProj: vp, Width: w, Height: h})
//	id, ok, err := v.Pick(ctx, x, y, w, h, vp)
//
// # Architecture
//
// The module is organized into:
//   - render: device context, shader compilation, shared layouts
//   - scene: mesh store, color batching, bounds and camera helpers
//   - frame: draw pass with visibility, isolation and selection
//   - pick: identity pass picker
//   - stream: event decoding and the streaming adapter
//   - config: YAML configuration
//
// # Threading
//
// A Viewer and everything it owns must be driven from one goroutine, the
// one that renders. Picks wait for the GPU; the pick package offers
// PickAsync for callers that cannot block that goroutine.
package bimview
