package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	file "github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/ledongthuc/pdf"
)

// TruncationMarker is appended when a document's text hits the char ceiling.
const TruncationMarker = "\n...[content truncated]"

// extractPDF lifts text page by page. A page that fails to parse is skipped
// with a note instead of failing the whole document.
func (d *Dispatcher) extractPDF(path, fileName string) *Result {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return failed(CategoryPDF, fmt.Sprintf("PDF %q could not be opened and may be corrupt", fileName))
	}
	defer f.Close()

	var (
		builder      strings.Builder
		skippedPages int
		truncated    bool
	)
	total := reader.NumPage()
	for i := 1; i <= total && !truncated; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			skippedPages++
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("pdf %s: page %d unreadable: %v", fileName, i, err)
			skippedPages++
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		truncated = appendBounded(&builder, fmt.Sprintf("Page %d\n%s\n\n", i, text), d.limits.DocCharLimit)
	}

	text := strings.TrimSpace(builder.String())
	if truncated {
		text += TruncationMarker
	}
	if text == "" {
		return failed(CategoryPDF, fmt.Sprintf("PDF %q contains no extractable text (it may be scanned images)", fileName))
	}

	result := &Result{Category: CategoryPDF, Status: StatusOK, Text: text}
	if skippedPages > 0 {
		result.Status = StatusDegraded
		result.Note = fmt.Sprintf("%d of %d pages could not be read", skippedPages, total)
		result.Text += fmt.Sprintf("\n[note: %s]", result.Note)
	}
	return result
}

// docx paragraph model: we only care about runs of text inside paragraphs.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text string `xml:"t"`
	} `xml:"r"`
}

// extractWordDoc reads word/document.xml out of the docx zip container and
// joins paragraph runs. Legacy binary .doc files are not parseable this way
// and degrade to a diagnostic.
func (d *Dispatcher) extractWordDoc(path, fileName string) *Result {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return failed(CategoryWordDoc, fmt.Sprintf("document %q could not be read; only .docx files are supported, legacy .doc is not", fileName))
	}
	defer zr.Close()

	var docXML *zip.File
	for _, zf := range zr.File {
		if zf.Name == "word/document.xml" {
			docXML = zf
			break
		}
	}
	if docXML == nil {
		return failed(CategoryWordDoc, fmt.Sprintf("document %q is not a valid Word document", fileName))
	}

	rc, err := docXML.Open()
	if err != nil {
		return failed(CategoryWordDoc, fmt.Sprintf("document %q could not be read: %v", fileName, err))
	}
	defer rc.Close()

	var doc docxDocument
	if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
		return failed(CategoryWordDoc, fmt.Sprintf("document %q has malformed contents", fileName))
	}

	var builder strings.Builder
	truncated := false
	for _, para := range doc.Body.Paragraphs {
		var line strings.Builder
		for _, run := range para.Runs {
			line.WriteString(run.Text)
		}
		text := strings.TrimSpace(line.String())
		if text == "" {
			continue
		}
		if truncated = appendBounded(&builder, text+"\n", d.limits.DocCharLimit); truncated {
			break
		}
	}

	text := strings.TrimSpace(builder.String())
	if truncated {
		text += TruncationMarker
	}
	if text == "" {
		return failed(CategoryWordDoc, fmt.Sprintf("document %q contains no readable text", fileName))
	}
	return &Result{Category: CategoryWordDoc, Status: StatusOK, Text: text}
}

// extractPlainText loads text-like files through the eino file loader so the
// ext-parser chain handles markdown and friends uniformly.
func (d *Dispatcher) extractPlainText(ctx context.Context, path, fileName string) *Result {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return failed(CategoryPlainText, fmt.Sprintf("text file %q could not be parsed: %v", fileName, err))
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return failed(CategoryPlainText, fmt.Sprintf("text file %q could not be loaded: %v", fileName, err))
	}
	docs, err := loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return failed(CategoryPlainText, fmt.Sprintf("text file %q could not be read: %v", fileName, err))
	}

	var builder strings.Builder
	truncated := false
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if truncated = appendBounded(&builder, content+"\n\n", d.limits.DocCharLimit); truncated {
			break
		}
	}

	text := strings.TrimSpace(builder.String())
	if truncated {
		text += TruncationMarker
	}
	if text == "" {
		return failed(CategoryPlainText, fmt.Sprintf("text file %q is empty or has no readable content", fileName))
	}
	return &Result{Category: CategoryPlainText, Status: StatusOK, Text: text}
}

// appendBounded writes chunk into builder honoring the char ceiling. Returns
// true when the ceiling was reached and writing must stop.
func appendBounded(builder *strings.Builder, chunk string, limit int) bool {
	remaining := limit - builder.Len()
	if remaining <= 0 {
		return true
	}
	if len(chunk) > remaining {
		// back off to a rune boundary so the cut never leaves invalid UTF-8
		for remaining > 0 && !utf8.RuneStart(chunk[remaining]) {
			remaining--
		}
		builder.WriteString(chunk[:remaining])
		return true
	}
	builder.WriteString(chunk)
	return false
}
