package report

import "strings"

// Run is a span of text sharing one set of character properties. Tabs and
// newlines inside Text are rendered as tab stops and line breaks.
type Run struct {
	Text string
	Bold bool
	// Size is the font size in points; zero keeps the document default.
	Size int
}

// Picture is an inline image with its display extent in EMUs.
type Picture struct {
	Data   []byte
	Format string
	Width  int64
	Height int64
}

// Paragraph holds either text runs or a single picture.
type Paragraph struct {
	Runs    []Run
	Picture *Picture
}

// Text returns the concatenated run text.
func (p Paragraph) Text() string {
	var b strings.Builder
	for _, r := range p.Runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// Document is the format-neutral body of a report.
type Document struct {
	Paragraphs []Paragraph
}

func (d *Document) addText(text string, bold bool, size int) {
	d.Paragraphs = append(d.Paragraphs, Paragraph{Runs: []Run{{Text: text, Bold: bold, Size: size}}})
}

func (d *Document) addPicture(pic Picture) {
	d.Paragraphs = append(d.Paragraphs, Paragraph{Picture: &pic})
}

// Text returns every paragraph's text joined with newlines. Pictures
// contribute an empty line.
func (d *Document) Text() string {
	lines := make([]string, 0, len(d.Paragraphs))
	for _, p := range d.Paragraphs {
		lines = append(lines, p.Text())
	}
	return strings.Join(lines, "\n")
}

// Pictures returns the number of embedded pictures.
func (d *Document) Pictures() int {
	n := 0
	for _, p := range d.Paragraphs {
		if p.Picture != nil {
			n++
		}
	}
	return n
}
