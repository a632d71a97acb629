package types

// Event is the flattened wire form of an engine event: a type tag plus
// string attributes, as stored in the journal and served over HTTP.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
