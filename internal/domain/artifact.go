package domain

// Artifact is one unit of converted output. Ordinal starts at 1.
type Artifact struct {
	Ordinal  int
	Filename string
	Data     []byte
	Text     string
	Embed    *Embed
}

// Embed is a platform-neutral rich card.
type Embed struct {
	Title         string
	Description   string
	URL           string
	Color         int
	ImageURL      string
	ThumbnailURL  string
	FooterText    string
	FooterIconURL string
	Fields        []EmbedField
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Outgoing is a message to send or an edit to apply.
//
// PromptID attaches the two choice buttons bound to that prompt. On Edit, a
// message without PromptID has its controls removed.
type Outgoing struct {
	Content  string
	Embed    *Embed
	Files    []File
	PromptID string
	ReplyTo  string
}

type File struct {
	Name string
	Data []byte
}

// ToOutgoing wraps the artifact as a message.
func (a Artifact) ToOutgoing() Outgoing {
	out := Outgoing{Content: a.Text, Embed: a.Embed}
	if len(a.Data) > 0 {
		out.Files = []File{{Name: a.Filename, Data: a.Data}}
	}
	return out
}

// Metadata summarises a web page for link previews.
type Metadata struct {
	Title       string
	Description string
	Image       string
	Favicon     string
	Domain      string
	URL         string
	Error       string // set when the summary is a degraded placeholder
}
