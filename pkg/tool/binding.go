package tool

import "encoding/json"

// Binding exposes one server tool under a name the model sees. Tool defaults
// to Name when empty; Description overrides the catalog description.
type Binding struct {
	Name        string
	Server      string
	Tool        string
	Description string
}

// remoteName is the name used on the wire.
func (b Binding) remoteName() string {
	if b.Tool != "" {
		return b.Tool
	}
	return b.Name
}

// Desc is one advertisable tool: a binding joined with the live catalog
// entry behind it.
type Desc struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Server      string
}
