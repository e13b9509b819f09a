// Package scene holds the GPU-resident scene of a building model.
//
// A Store keeps the raw geometry of every entity and realizes it in one of
// three tiers:
//
//   - standalone meshes, one draw per entity, used while a model streams in
//   - instanced meshes, one draw per shared geometry
//   - color batches, one draw per quantized color, used for large models
//
// Batches are rebuilt whole whenever members are appended to their color
// key. Each batch carries a per-vertex member index and per-member index
// ranges so the identity pass can resolve a pixel to an entity and the
// draw pass can skip or highlight single members without touching the
// store.
//
// Visibility, selection and isolation are not scene state. They are
// resolved by the frame renderer when it builds its draw list.
package scene
