package testutil

import (
	"sync"

	"assetsync/internal/asset"
)

// FakeHost is a scripted asset.Host that records what the engine showed.
// Conflicts are answered by the embedded HeadlessHost policy unless
// Resolutions is set.
type FakeHost struct {
	asset.HeadlessHost

	// Resolutions, when non-nil, answers ResolveConflicts verbatim.
	Resolutions *asset.ConflictResolutions

	// CancelProgress makes DisplayProgress ask for cancellation.
	CancelProgress bool

	// OpenID and Dirty describe the open document.
	OpenID string
	Dirty  bool
	Save   asset.SaveChoice

	mu        sync.Mutex
	warnings  []string
	dialogs   []string
	conflicts [][]asset.ConflictInfo
	saved     []string
}

var _ asset.Host = (*FakeHost)(nil)

func (h *FakeHost) DisplayProgress(string, string, float64) bool { return h.CancelProgress }

func (h *FakeHost) ShowDialog(title, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialogs = append(h.dialogs, title+": "+message)
}

func (h *FakeHost) Warn(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warnings = append(h.warnings, message)
}

func (h *FakeHost) ResolveConflicts(conflicts []asset.ConflictInfo) (asset.ConflictResolutions, bool) {
	h.mu.Lock()
	h.conflicts = append(h.conflicts, conflicts)
	h.mu.Unlock()
	if h.Resolutions != nil {
		return *h.Resolutions, true
	}
	return h.HeadlessHost.ResolveConflicts(conflicts)
}

func (h *FakeHost) OpenDocument() (string, bool) { return h.OpenID, h.Dirty }

func (h *FakeHost) PromptSaveOpenDocument(string) asset.SaveChoice { return h.Save }

func (h *FakeHost) SaveOpenDocument(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, id)
	h.Dirty = false
	return nil
}

// Warnings returns every warning shown so far.
func (h *FakeHost) Warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.warnings...)
}

// Dialogs returns every dialog shown so far as "title: message".
func (h *FakeHost) Dialogs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialogs...)
}

// ConflictCalls returns the conflict lists passed to ResolveConflicts.
func (h *FakeHost) ConflictCalls() [][]asset.ConflictInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]asset.ConflictInfo(nil), h.conflicts...)
}

// Saved returns the identifiers SaveOpenDocument was called with.
func (h *FakeHost) Saved() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.saved...)
}
