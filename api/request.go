package api

// ExistingFileMode decides what happens when an imported name already exists
// under the target folder.
type ExistingFileMode string

const (
	// Skip leaves the existing node untouched.
	Skip ExistingFileMode = "SKIP"
	// Replace overwrites content and metadata in place without versioning.
	Replace ExistingFileMode = "REPLACE"
	// AddVersion appends a new version and keeps the history.
	AddVersion ExistingFileMode = "ADD_VERSION"
)

// Valid reports whether m is one of the known modes.
func (m ExistingFileMode) Valid() bool {
	switch m {
	case Skip, Replace, AddVersion:
		return true
	}
	return false
}

// ImportRequest is the wire form of an import invocation, as received from the
// CLI or the HTTP API. It still carries the legacy replaceExisting flag;
// bulkimport.ParametersFromRequest collapses it into a single mode.
type ImportRequest struct {
	SourceDirectory  string `json:"sourceDirectory"`
	TargetNodeRef    string `json:"targetNodeRef,omitempty"`
	TargetPath       string `json:"targetPath,omitempty"`
	BatchSize        int    `json:"batchSize,omitempty"`
	NumThreads       int    `json:"numThreads,omitempty"`
	ReplaceExisting  *bool  `json:"replaceExisting,omitempty"`
	ExistingFileMode string `json:"existingFileMode,omitempty"`
	DisableRules     bool   `json:"disableRules,omitempty"`
}
