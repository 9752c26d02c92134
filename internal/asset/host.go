package asset

import (
	"fmt"
	"io"
)

// ConflictInfo describes one flagged asset for a conflict resolution UI.
type ConflictInfo struct {
	ID     string
	Path   string
	Status ItemStatus

	// NameConflictWith is the other identifier claiming the same location.
	NameConflictWith string

	// Deleted is set for deletion conflicts.
	Deleted bool

	Directory bool
}

// ConflictResolutions is what a host returns from its conflict UI.
type ConflictResolutions struct {
	Download map[string]DownloadResolution
	Names    map[string]NameConflictResolution
}

// SaveChoice is the answer to an unsaved open document prompt.
type SaveChoice int

const (
	SaveChanges SaveChoice = iota
	DiscardChanges
	CancelCommit
)

// Host is the embedding application: progress display, dialogs, the
// conflict UI and the currently open document.
type Host interface {
	// DisplayProgress shows progress and reports whether the user asked to cancel.
	DisplayProgress(title, text string, fraction float64) (cancel bool)
	ClearProgress()

	ShowDialog(title, message string)

	// Warn surfaces a non-fatal message to the user.
	Warn(message string)

	// ResolveConflicts asks the user to decide every conflict. ok is false
	// when the user backed out.
	ResolveConflicts(conflicts []ConflictInfo) (res ConflictResolutions, ok bool)

	// OpenDocument returns the asset open for editing, if any.
	OpenDocument() (id string, dirty bool)
	PromptSaveOpenDocument(id string) SaveChoice
	SaveOpenDocument(id string) error
}

// HeadlessHost answers every prompt from a fixed policy. It is the host of
// batch runs.
type HeadlessHost struct {
	// Resolution is applied to every conflict. Unresolved backs out of the
	// update. Merge falls back to SkipAsset for directories.
	Resolution DownloadResolution

	// NameResolution is applied to name-only conflicts; RenameLocal when unset.
	NameResolution NameConflictResolution

	// Out receives dialogs and warnings. Nil discards them.
	Out io.Writer
}

var _ Host = HeadlessHost{}

func (HeadlessHost) DisplayProgress(string, string, float64) bool { return false }
func (HeadlessHost) ClearProgress()                               {}

func (h HeadlessHost) ShowDialog(title, message string) {
	if h.Out != nil {
		fmt.Fprintf(h.Out, "%s: %s\n", title, message)
	}
}

func (h HeadlessHost) Warn(message string) {
	if h.Out != nil {
		fmt.Fprintf(h.Out, "warning: %s\n", message)
	}
}

func (h HeadlessHost) ResolveConflicts(conflicts []ConflictInfo) (ConflictResolutions, bool) {
	if h.Resolution == Unresolved {
		return ConflictResolutions{}, false
	}
	nameRes := h.NameResolution
	if nameRes == NameUnresolved {
		nameRes = RenameLocal
	}
	res := ConflictResolutions{
		Download: make(map[string]DownloadResolution),
		Names:    make(map[string]NameConflictResolution),
	}
	for _, ci := range conflicts {
		if ci.NameConflictWith != "" {
			res.Names[ci.ID] = nameRes
			if ci.Status.Overall != Conflict && !ci.Deleted {
				continue
			}
		}
		r := h.Resolution
		if r == Merge && ci.Directory {
			r = SkipAsset
		}
		res.Download[ci.ID] = r
	}
	return res, true
}

func (HeadlessHost) OpenDocument() (string, bool)             { return "", false }
func (HeadlessHost) PromptSaveOpenDocument(string) SaveChoice { return SaveChanges }
func (HeadlessHost) SaveOpenDocument(string) error            { return nil }
