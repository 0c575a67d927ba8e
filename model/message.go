package model

// Header is a single name/value pair of a message or message part.
type Header struct {
	Name  string
	Value string
}

// PartBody carries the transport-encoded payload of a part. Data is URL-safe base64.
type PartBody struct {
	Data string
	Size int64
}

// MessagePart is a node in the MIME tree of a message. Leaves have no Parts;
// multipart nodes usually carry an empty Body and keep their content in Parts.
type MessagePart struct {
	MimeType string
	Filename string
	Headers  []Header
	Body     *PartBody
	Parts    []*MessagePart
}

// Data returns the encoded payload of the part or an empty string.
func (p *MessagePart) Data() string {
	if p == nil || p.Body == nil {
		return ""
	}
	return p.Body.Data
}

// Message is a single mailbox message as delivered by a source.
type Message struct {
	ID           string
	InternalDate int64 // milliseconds since epoch, 0 when unknown
	LabelIDs     []string
	Payload      *MessagePart
}

// Envelope wraps a message alongside an optional error encountered while fetching it.
type Envelope struct {
	Message Message
	Err     error
}

// ParsedEmail is the structured record extracted from a message. It is built once by
// the parser and not modified afterwards.
type ParsedEmail struct {
	From         string
	Subject      string
	Date         string
	Content      string
	MessageID    string
	WasTruncated bool
	Labels       []string
}
