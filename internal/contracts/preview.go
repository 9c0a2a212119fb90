package contracts

import "nvim-previewer/internal/patch"

const (
	// MessageTypePatch moves a viewer to a new document version.
	MessageTypePatch = "patch"
	// MessageTypeBanner reports a failed recompile or degraded watcher; the
	// last good document stays displayed.
	MessageTypeBanner = "banner"
	// MessageTypeClosed tells viewers the session is gone.
	MessageTypeClosed = "closed"

	// MessageTypeAck confirms the viewer applied a version.
	MessageTypeAck = "ack"
	// MessageTypeResync asks for a full document after a gap.
	MessageTypeResync = "resync"
)

// IncomingMessage is a viewer to server message.
type IncomingMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version,omitempty"`
}

// PatchMessage carries one patch to a viewer.
type PatchMessage struct {
	Type            string       `json:"type"`
	DocumentVersion uint64       `json:"documentVersion"`
	BaseVersion     uint64       `json:"baseVersion"`
	PatchKind       string       `json:"patchKind"`
	Format          string       `json:"format"`
	Payload         PatchPayload `json:"payload"`
}

// PatchPayload is the body of a patch. Blocks is set for full patches;
// Start, Delete and Insert for splices.
type PatchPayload struct {
	Theme  string   `json:"theme,omitempty"`
	Blocks []string `json:"blocks,omitempty"`
	Start  int      `json:"start"`
	Delete int      `json:"delete"`
	Insert []string `json:"insert,omitempty"`
}

// BannerMessage carries a human readable problem report.
type BannerMessage struct {
	Type            string `json:"type"`
	DocumentVersion uint64 `json:"documentVersion"`
	Message         string `json:"message"`
}

// ClosedMessage is sent once before the server closes a viewer.
type ClosedMessage struct {
	Type string `json:"type"`
}

// NewPatchMessage converts a computed patch to its wire form.
func NewPatchMessage(p *patch.Patch) PatchMessage {
	msg := PatchMessage{
		Type:            MessageTypePatch,
		DocumentVersion: p.Version,
		BaseVersion:     p.BaseVersion,
		PatchKind:       string(p.Kind),
		Format:          string(p.Format),
		Payload:         PatchPayload{Theme: string(p.Theme)},
	}
	if p.Kind == patch.KindFull {
		msg.Payload.Blocks = p.Blocks
		return msg
	}
	msg.Payload.Start = p.Start
	msg.Payload.Delete = p.Delete
	msg.Payload.Insert = p.Insert
	return msg
}

// SessionSummary describes one session on the index page and in JSON
// listings.
type SessionSummary struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Theme    string `json:"theme"`
	Version  uint64 `json:"version"`
	URL      string `json:"url"`
	Degraded bool   `json:"degraded,omitempty"`
}
