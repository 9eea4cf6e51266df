package models

import "fmt"

// UpdateID identifies an update by provider, name and version.
type UpdateID struct {
	Provider string `json:"provider" validate:"required"`
	Name     string `json:"name"     validate:"required"`
	Version  string `json:"version"  validate:"required"`
}

func (u UpdateID) String() string {
	return fmt.Sprintf("%s/%s/%s", u.Provider, u.Name, u.Version)
}

// FileEntity describes a single payload file referenced by an update manifest.
// The download URL is not part of the manifest; it is resolved through the
// workflow tree's fileUrls tables.
type FileEntity struct {
	FileName    string            `json:"fileName" validate:"required"`
	SizeInBytes int64             `json:"sizeInBytes"`
	Hashes      map[string]string `json:"hashes"`
	Arguments   string            `json:"arguments,omitempty"`
}

// Compatibility is one set of device properties an update is compatible with.
type Compatibility map[string]string

// InstructionStep is a nested step of a multi-component update manifest.
type InstructionStep struct {
	Type             string            `json:"type,omitempty"`
	Handler          string            `json:"handler,omitempty"`
	DetachedManifest string            `json:"detachedManifestFileId,omitempty"`
	Files            []string          `json:"files,omitempty"`
	HandlerProps     map[string]any    `json:"handlerProperties,omitempty"`
	UpdateID         *UpdateID         `json:"updateId,omitempty"`
	FileURLs         map[string]string `json:"fileUrls,omitempty"`
}

// Instructions holds the nested steps of a bundle manifest.
type Instructions struct {
	Steps []InstructionStep `json:"steps,omitempty"`
}

// UpdateManifest is the decoded update manifest carried inside a deployment
// payload. It is immutable once parsed; a replacement deployment swaps the
// whole manifest together with its action.
type UpdateManifest struct {
	ManifestVersion   string                `json:"manifestVersion" validate:"required"`
	UpdateID          UpdateID              `json:"updateId"        validate:"required"`
	UpdateType        string                `json:"updateType"`
	InstalledCriteria string                `json:"installedCriteria,omitempty"`
	Files             map[string]FileEntity `json:"files,omitempty"`
	Compatibility     []Compatibility       `json:"compatibility,omitempty"`
	Instructions      *Instructions         `json:"instructions,omitempty"`
	BundledUpdates    []string              `json:"bundledUpdates,omitempty"`
	CreatedDateTime   string                `json:"createdDateTime,omitempty"`
}
