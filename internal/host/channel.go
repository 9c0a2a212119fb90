// Package host receives editor notifications and routes them to the preview
// coordinator.
package host

import "context"

// Notification kinds the editor sends.
const (
	KindPreview    = "preview"
	KindPreviewAlt = "previewAlt"
	KindExport     = "export"
)

// Notification is one one-way message from the editor.
type Notification struct {
	Kind string   `json:"kind"`
	Args []string `json:"args"`
}

// Channel delivers notifications until ctx is done or the transport ends.
// deliver must not block.
type Channel interface {
	Run(ctx context.Context, deliver func(Notification)) error
}
