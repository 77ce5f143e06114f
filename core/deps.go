package core

import (
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// ControllerDeps captures optional collaborators for a controller.
type ControllerDeps struct {
	Kernel   Kernel
	Channel  MessageChannel
	Sink     EventSink
	Recorder ExecutionRecorder
	Logger   pslog.Logger
	// NewID overrides cell id generation.
	NewID func() schema.CellID
}

// RegistryDeps captures collaborators for the session registry.
type RegistryDeps struct {
	Kernels    KernelProvider
	Channel    MessageChannel
	Sink       EventSink
	Host       DocumentHost
	Serializer Serializer
	Backups    BackupStore
	Recorder   ExecutionRecorder
	History    HistorySource
	Logger     pslog.Logger
	NewID      func() schema.CellID
}
