// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package render provides the device context shared by the viewer's GPU
// components.
//
// A Context wraps a HAL device and queue obtained either from the host
// application (FromProvider, NewContext) or opened directly on a registered
// backend (OpenBackend). It compiles WGSL through naga, owns shared bind
// group layouts, and waits on queue submissions.
//
// # Ownership
//
// When the device comes from the host, the host keeps ownership and
// Context.Destroy releases only modules and layouts. When OpenBackend created
// the device, Destroy also releases the device and instance.
package render
