package envelope

// Kind tags the shape of a decrypted payload.
type Kind int

const (
	// KindJSON means the plaintext parsed as JSON.
	KindJSON Kind = iota + 1

	// KindText means the plaintext is valid UTF-8 but not JSON.
	KindText

	// KindBytes means the plaintext is arbitrary binary.
	KindBytes
)

// Decrypted is the tagged result of opening an envelope. Callers match
// on Kind instead of type-switching on an any value.
type Decrypted struct {
	kind  Kind
	value any
	raw   []byte
}

// Kind returns the payload tag.
func (d Decrypted) Kind() Kind {
	return d.kind
}

// JSON returns the parsed JSON value and true when Kind is KindJSON.
func (d Decrypted) JSON() (any, bool) {
	if d.kind != KindJSON {
		return nil, false
	}
	return d.value, true
}

// Text returns the UTF-8 string and true when Kind is KindText.
func (d Decrypted) Text() (string, bool) {
	if d.kind != KindText {
		return "", false
	}
	return string(d.raw), true
}

// Bytes returns the raw plaintext bytes. Valid for every kind.
func (d Decrypted) Bytes() []byte {
	return d.raw
}
