// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package device

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan backend with hal.GetBackend.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// OpenNoop opens a device on the noop backend. Submissions complete
// immediately; it is meant for tests and headless runs.
func OpenNoop(opts ...HALOption) (*HAL, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("create noop instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("no noop adapters found")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open noop device: %w", err)
	}
	return newHAL(instance, openDev.Device, openDev.Queue, false, opts...), nil
}

// OpenVulkan opens a standalone Vulkan device, preferring a discrete or
// integrated GPU over software adapters. The returned name is the adapter
// name.
func OpenVulkan(opts ...HALOption) (*HAL, string, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, "", fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, "", fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, "", fmt.Errorf("no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, "", fmt.Errorf("open device: %w", err)
	}
	return newHAL(instance, openDev.Device, openDev.Queue, false, opts...), selected.Info.Name, nil
}

// FromProvider wraps the device shared by a host application. The provider
// must also expose HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue. The host keeps ownership of the device.
func FromProvider(provider gpucontext.DeviceProvider, opts ...HALOption) (*HAL, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("device: provider does not expose HAL types")
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("device: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("device: provider HalQueue is not hal.Queue")
	}
	return NewHAL(dev, queue, opts...), nil
}
