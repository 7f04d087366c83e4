package parser

// RawParser is the null parser: every buffer is ready and the whole
// buffer becomes a single raw section. Used for plain shells and any
// subprocess without a recognizable prompt.
type RawParser struct{}

var _ Parser = (*RawParser)(nil)

func (*RawParser) Kind() Kind { return KindRaw }

func (*RawParser) IsReady(string) bool { return true }

func (*RawParser) Parse(buffer string) (*ParsedResponse, error) {
	return &ParsedResponse{
		Sections:   []Section{{Kind: "raw", Content: buffer}},
		IsComplete: true,
		IsReady:    true,
	}, nil
}

func (*RawParser) Submit() []byte { return []byte("\n") }
