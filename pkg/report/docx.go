package report

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const (
	nsW   = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsR   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsWP  = "http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"
	nsA   = "http://schemas.openxmlformats.org/drawingml/2006/main"
	nsPic = "http://schemas.openxmlformats.org/drawingml/2006/picture"

	relTypeDocument = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument"
	relTypeStyles   = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles"
	relTypeImage    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Default Extension="png" ContentType="image/png"/>` +
	`<Default Extension="jpeg" ContentType="image/jpeg"/>` +
	`<Default Extension="gif" ContentType="image/gif"/>` +
	`<Default Extension="bmp" ContentType="image/bmp"/>` +
	`<Default Extension="tiff" ContentType="image/tiff"/>` +
	`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
	`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>` +
	`</Types>`

const packageRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="` + relTypeDocument + `" Target="word/document.xml"/>` +
	`</Relationships>`

type media struct {
	relID string
	name  string
	pic   *Picture
}

// WriteDocx encodes doc as a WordprocessingML package. Every run carries
// explicit Latin and East Asian font faces.
func WriteDocx(w io.Writer, doc *Document, fonts Fonts) error {
	fonts = fonts.withDefaults()
	var images []media
	for _, p := range doc.Paragraphs {
		if p.Picture == nil {
			continue
		}
		n := len(images) + 1
		images = append(images, media{
			relID: fmt.Sprintf("rIdImg%d", n),
			name:  fmt.Sprintf("image%d.%s", n, p.Picture.Format),
			pic:   p.Picture,
		})
	}

	zw := zip.NewWriter(w)
	parts := []struct {
		name string
		body []byte
	}{
		{"[Content_Types].xml", []byte(contentTypesXML)},
		{"_rels/.rels", []byte(packageRelsXML)},
		{"word/_rels/document.xml.rels", documentRels(images)},
		{"word/styles.xml", stylesXML(fonts)},
		{"word/document.xml", documentXML(doc, images, fonts)},
	}
	for _, m := range images {
		parts = append(parts, struct {
			name string
			body []byte
		}{"word/media/" + m.name, m.pic.Data})
	}
	for _, part := range parts {
		fw, err := zw.Create(part.name)
		if err != nil {
			return fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := fw.Write(part.body); err != nil {
			return fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close docx: %w", err)
	}
	return nil
}

func documentRels(images []media) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	b.WriteString(`<Relationship Id="rIdStyles" Type="` + relTypeStyles + `" Target="styles.xml"/>`)
	for _, m := range images {
		fmt.Fprintf(&b, `<Relationship Id="%s" Type="%s" Target="media/%s"/>`, m.relID, relTypeImage, m.name)
	}
	b.WriteString(`</Relationships>`)
	return b.Bytes()
}

func stylesXML(fonts Fonts) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<w:styles xmlns:w="` + nsW + `"><w:docDefaults><w:rPrDefault><w:rPr>`)
	writeFonts(&b, fonts)
	b.WriteString(`<w:sz w:val="22"/><w:lang w:val="en-US" w:eastAsia="zh-TW"/></w:rPr></w:rPrDefault>`)
	b.WriteString(`<w:pPrDefault><w:pPr><w:spacing w:after="120"/></w:pPr></w:pPrDefault></w:docDefaults>`)
	b.WriteString(`<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>`)
	b.WriteString(`</w:styles>`)
	return b.Bytes()
}

func documentXML(doc *Document, images []media, fonts Fonts) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	fmt.Fprintf(&b, `<w:document xmlns:w="%s" xmlns:r="%s" xmlns:wp="%s" xmlns:a="%s" xmlns:pic="%s"><w:body>`,
		nsW, nsR, nsWP, nsA, nsPic)
	img := 0
	for _, p := range doc.Paragraphs {
		b.WriteString(`<w:p>`)
		if p.Picture != nil {
			writePicture(&b, images[img], img+1)
			img++
		}
		for _, r := range p.Runs {
			writeRun(&b, r, fonts)
		}
		b.WriteString(`</w:p>`)
	}
	b.WriteString(`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/>` +
		`<w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440" w:header="708" w:footer="708" w:gutter="0"/>` +
		`</w:sectPr></w:body></w:document>`)
	return b.Bytes()
}

func writeFonts(b *bytes.Buffer, fonts Fonts) {
	b.WriteString(`<w:rFonts w:ascii="`)
	writeEscaped(b, fonts.Latin)
	b.WriteString(`" w:hAnsi="`)
	writeEscaped(b, fonts.Latin)
	b.WriteString(`" w:cs="`)
	writeEscaped(b, fonts.Latin)
	b.WriteString(`" w:eastAsia="`)
	writeEscaped(b, fonts.EastAsian)
	b.WriteString(`"/>`)
}

func writeRun(b *bytes.Buffer, r Run, fonts Fonts) {
	b.WriteString(`<w:r><w:rPr>`)
	writeFonts(b, fonts)
	if r.Bold {
		b.WriteString(`<w:b/><w:bCs/>`)
	}
	if r.Size > 0 {
		fmt.Fprintf(b, `<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, r.Size*2, r.Size*2)
	}
	b.WriteString(`</w:rPr>`)
	lines := strings.Split(r.Text, "\n")
	for i, line := range lines {
		if i > 0 {
			b.WriteString(`<w:br/>`)
		}
		for j, seg := range strings.Split(line, "\t") {
			if j > 0 {
				b.WriteString(`<w:tab/>`)
			}
			if seg == "" {
				continue
			}
			b.WriteString(`<w:t xml:space="preserve">`)
			writeEscaped(b, seg)
			b.WriteString(`</w:t>`)
		}
	}
	b.WriteString(`</w:r>`)
}

func writePicture(b *bytes.Buffer, m media, id int) {
	fmt.Fprintf(b, `<w:r><w:drawing><wp:inline distT="0" distB="0" distL="0" distR="0">`+
		`<wp:extent cx="%d" cy="%d"/><wp:docPr id="%d" name="Picture %d"/>`+
		`<wp:cNvGraphicFramePr><a:graphicFrameLocks noChangeAspect="1"/></wp:cNvGraphicFramePr>`+
		`<a:graphic><a:graphicData uri="%s"><pic:pic>`+
		`<pic:nvPicPr><pic:cNvPr id="%d" name="%s"/><pic:cNvPicPr/></pic:nvPicPr>`+
		`<pic:blipFill><a:blip r:embed="%s"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
		`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm><a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
		`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r>`,
		m.pic.Width, m.pic.Height, id, id, nsPic, id, m.name, m.relID, m.pic.Width, m.pic.Height)
}

func writeEscaped(b *bytes.Buffer, s string) {
	// EscapeText only fails when the writer fails; bytes.Buffer never does.
	_ = xml.EscapeText(b, []byte(s))
}
