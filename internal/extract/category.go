package extract

import (
	"path/filepath"
	"strings"

	"docchat/internal/models"
)

// Category is the closed set of file formats the dispatcher knows how to
// handle. Adding a format means adding a constant here and a case to the
// dispatcher switch; the compiler keeps the mapping total.
type Category int

const (
	CategoryUnsupported Category = iota
	CategoryImage
	CategorySpreadsheet
	CategoryWordDoc
	CategoryPDF
	CategoryCSV
	CategoryPlainText
	CategoryAudio
)

func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategorySpreadsheet:
		return "spreadsheet"
	case CategoryWordDoc:
		return "word-document"
	case CategoryPDF:
		return "pdf"
	case CategoryCSV:
		return "csv"
	case CategoryPlainText:
		return "plain-text"
	case CategoryAudio:
		return "audio"
	default:
		return "unsupported"
	}
}

// Storage collapses the format class into the coarse tag persisted on the
// attachment record.
func (c Category) Storage() models.Category {
	switch c {
	case CategoryImage:
		return models.CategoryImage
	case CategoryAudio:
		return models.CategoryAudio
	case CategorySpreadsheet, CategoryWordDoc, CategoryPDF, CategoryCSV, CategoryPlainText:
		return models.CategoryDocument
	default:
		return models.CategoryUnsupported
	}
}

var extCategories = map[string]Category{
	".jpg":  CategoryImage,
	".jpeg": CategoryImage,
	".png":  CategoryImage,
	".gif":  CategoryImage,
	".webp": CategoryImage,
	".bmp":  CategoryImage,
	".xlsx": CategorySpreadsheet,
	".xls":  CategorySpreadsheet,
	".docx": CategoryWordDoc,
	".doc":  CategoryWordDoc,
	".pdf":  CategoryPDF,
	".csv":  CategoryCSV,
	".txt":  CategoryPlainText,
	".md":   CategoryPlainText,
	".json": CategoryPlainText,
	".log":  CategoryPlainText,
	".mp3":  CategoryAudio,
	".wav":  CategoryAudio,
	".m4a":  CategoryAudio,
	".ogg":  CategoryAudio,
	".flac": CategoryAudio,
	".webm": CategoryAudio,
}

// Classify maps a declared media type and/or file name to a format class.
// The declared type wins; when it is absent or the generic octet-stream the
// file extension decides. Anything unrecognized is CategoryUnsupported, which
// is a valid classification rather than an error.
func Classify(declaredType, fileName string) Category {
	mt := strings.ToLower(strings.TrimSpace(declaredType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt != "" && mt != "application/octet-stream" {
		if c, ok := typeCategory(mt); ok {
			return c
		}
	}
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		if c, ok := extCategories[ext]; ok {
			return c
		}
	}
	return CategoryUnsupported
}

func typeCategory(mt string) (Category, bool) {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage, true
	case strings.HasPrefix(mt, "audio/"), mt == "video/webm":
		return CategoryAudio, true
	case mt == "application/pdf":
		return CategoryPDF, true
	case mt == "text/csv", mt == "application/csv":
		return CategoryCSV, true
	case mt == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		mt == "application/vnd.ms-excel":
		return CategorySpreadsheet, true
	case mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		mt == "application/msword":
		return CategoryWordDoc, true
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/yaml",
		mt == "application/x-yaml":
		return CategoryPlainText, true
	default:
		return CategoryUnsupported, false
	}
}
