package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Status tags how an extraction went. Recoverable failures are statuses, not
// errors: the diagnostic text still flows into the model context so the model
// can explain what happened.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusFailed
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unsupported"
	}
}

// ErrNotFound reports that the caller referenced a file that does not exist.
// It is the only hard error Extract returns.
var ErrNotFound = errors.New("attachment file not found")

// ImagePayload is a model-ready re-encoded image.
type ImagePayload struct {
	MIMEType string
	Base64   string
	Width    int
	Height   int
}

// Result is what an extractor produced for one file.
type Result struct {
	Category Category
	Status   Status
	Text     string
	Image    *ImagePayload
	Note     string
}

// Limits bounds extractor output sizes.
type Limits struct {
	DocCharLimit  int
	MaxRows       int
	PreviewRows   int
	MaxImageEdge  int
	AudioMaxBytes int64
}

const (
	defaultDocCharLimit  = 8000
	defaultMaxRows       = 20000
	defaultPreviewRows   = 20
	defaultMaxImageEdge  = 2048
	defaultAudioMaxBytes = 25 << 20
)

func (l Limits) withDefaults() Limits {
	if l.DocCharLimit <= 0 {
		l.DocCharLimit = defaultDocCharLimit
	}
	if l.MaxRows <= 0 {
		l.MaxRows = defaultMaxRows
	}
	if l.PreviewRows <= 0 {
		l.PreviewRows = defaultPreviewRows
	}
	if l.MaxImageEdge <= 0 {
		l.MaxImageEdge = defaultMaxImageEdge
	}
	if l.AudioMaxBytes <= 0 {
		l.AudioMaxBytes = defaultAudioMaxBytes
	}
	return l
}

// Transcriber converts speech audio into text. An empty transcript is a valid
// result (silent audio), distinct from a transcription error.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Dispatcher routes a classified file to its format extractor.
type Dispatcher struct {
	limits      Limits
	transcriber Transcriber
	ffmpegPath  string
}

// NewDispatcher builds a dispatcher. transcriber may be nil, in which case
// audio files extract to a diagnostic instead of a transcript.
func NewDispatcher(limits Limits, transcriber Transcriber, ffmpegPath string) *Dispatcher {
	return &Dispatcher{
		limits:      limits.withDefaults(),
		transcriber: transcriber,
		ffmpegPath:  ffmpegPath,
	}
}

// Extract classifies the file and runs the matching extractor. It returns a
// non-nil Result for every present file; only a missing file is an error
// (ErrNotFound). Everything else degrades into the Result's Text.
func (d *Dispatcher) Extract(ctx context.Context, path, declaredType, fileName string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		// Stat failed for another reason (permissions, IO). Degrade rather
		// than fail the request: the file may vanish mid-read anyway.
		return failed(CategoryUnsupported, fmt.Sprintf("file %q could not be read: %v", fileName, err)), nil
	}

	category := Classify(declaredType, fileName)
	switch category {
	case CategoryImage:
		return d.extractImage(path, fileName), nil
	case CategoryPDF:
		return d.extractPDF(path, fileName), nil
	case CategoryWordDoc:
		return d.extractWordDoc(path, fileName), nil
	case CategoryPlainText:
		return d.extractPlainText(ctx, path, fileName), nil
	case CategorySpreadsheet:
		return d.extractSpreadsheet(path, fileName), nil
	case CategoryCSV:
		return d.extractCSV(path, fileName), nil
	case CategoryAudio:
		return d.extractAudio(ctx, path, fileName), nil
	default:
		return &Result{
			Category: CategoryUnsupported,
			Status:   StatusUnsupported,
			Text:     fmt.Sprintf("[file %q has an unsupported format (%s); its contents are not available]", fileName, displayType(declaredType, fileName)),
		}, nil
	}
}

func failed(c Category, diagnostic string) *Result {
	return &Result{Category: c, Status: StatusFailed, Text: diagnostic}
}

func displayType(declaredType, fileName string) string {
	if declaredType != "" {
		return declaredType
	}
	if ext := filepath.Ext(fileName); ext != "" {
		return ext
	}
	return "unknown"
}
