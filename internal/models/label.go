package models

import "strings"

// Label is a named tag shared by items of a source
type Label struct {
	LUID int64  `json:"luid"`
	GUID string `json:"guid,omitempty"`
	Name string `json:"name"`
}

// NewLabel creates a label that has not been stored yet
func NewLabel(guid, name string) Label {
	return Label{
		GUID: strings.TrimSpace(guid),
		Name: strings.TrimSpace(name),
	}
}
