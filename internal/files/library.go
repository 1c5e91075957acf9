package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// SummaryFile is the generated per-folder summary. Like every name starting
// with "_", it is never treated as a source document.
const SummaryFile = "_summary.md"

// MaxCombinedChars bounds the text returned by ReadFolder.
const MaxCombinedChars = 25000

// indexable lists the extensions counted as proposal documents.
var indexable = map[string]bool{
	".pdf": true, ".docx": true, ".doc": true,
	".xlsx": true, ".xls": true,
	".md": true, ".txt": true,
}

var (
	ErrFolderNotFound = errors.New("proposal folder not found")
	ErrInvalidName    = errors.New("invalid folder name")
)

// Library is the on-disk collection of past proposal folders. Each direct
// subdirectory of the root is one proposal; its name is the natural key.
type Library struct {
	root   string
	logger *slog.Logger
}

// NewLibrary returns a Library rooted at dir. The directory need not exist.
func NewLibrary(dir string) *Library {
	return &Library{root: dir, logger: slog.Default().With("component", "library")}
}

// Root returns the library directory.
func (l *Library) Root() string { return l.root }

// Folder is one proposal folder and its indexable files, sorted by name.
type Folder struct {
	Name  string   `json:"name"`
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

// FolderContent is the extracted text of a folder.
type FolderContent struct {
	Name         string   `json:"folder_name"`
	Files        []string `json:"file_list"`
	FileCount    int      `json:"file_count"`
	CombinedText string   `json:"combined_text"`
	// Skipped lists files whose text could not be extracted.
	Skipped []string `json:"skipped,omitempty"`
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_"):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func (l *Library) dir(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	p := filepath.Join(l.root, name)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrFolderNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return p, nil
}

// Exists reports whether name is a proposal folder in the library.
func (l *Library) Exists(name string) bool {
	_, err := l.dir(name)
	return err == nil
}

// ListFolders returns the proposal folder names, sorted. A missing root is
// an empty library.
func (l *Library) ListFolders() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading library %s: %w", l.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Folder lists the indexable files of a proposal folder.
func (l *Library) Folder(name string) (Folder, error) {
	p, err := l.dir(name)
	if err != nil {
		return Folder{}, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return Folder{}, fmt.Errorf("reading folder %s: %w", name, err)
	}
	f := Folder{Name: name, Path: p, Files: []string{}}
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, "_") || strings.HasPrefix(n, ".") {
			continue
		}
		if indexable[strings.ToLower(filepath.Ext(n))] {
			f.Files = append(f.Files, n)
		}
	}
	sort.Strings(f.Files)
	return f, nil
}

// ReadFolder extracts the text of every readable file in the folder into one
// block, each file under a "=== name ===" header, cut to MaxCombinedChars.
func (l *Library) ReadFolder(ctx context.Context, name string) (FolderContent, error) {
	f, err := l.Folder(name)
	if err != nil {
		return FolderContent{}, err
	}
	out := FolderContent{Name: name, Files: f.Files, FileCount: len(f.Files)}

	var parts []string
	for _, file := range f.Files {
		if err := ctx.Err(); err != nil {
			return FolderContent{}, err
		}
		text, err := l.ReadFile(name, file)
		if err != nil || strings.TrimSpace(text) == "" {
			if err != nil {
				l.logger.Debug("text not extracted", "folder", name, "file", file, "error", err)
			}
			out.Skipped = append(out.Skipped, file)
			continue
		}
		parts = append(parts, "=== "+file+" ===\n"+text)
	}
	out.CombinedText = Truncate(strings.Join(parts, "\n\n"), MaxCombinedChars)
	return out, nil
}

// ErrUnsupportedFormat is returned by ReadFile for formats without a text
// extractor.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ReadFile returns the plain text of one file in a proposal folder.
func (l *Library) ReadFile(folder, file string) (string, error) {
	p, err := l.dir(folder)
	if err != nil {
		return "", err
	}
	if file != filepath.Base(file) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, file)
	}
	path := filepath.Join(p, file)

	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".md", ".txt":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case ".pdf":
		return readPDF(path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// readPDF extracts plain text. The parser panics on some malformed files;
// that is reported as an error.
func readPDF(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf %s: %v", filepath.Base(path), r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// ReadSummary returns the folder's _summary.md. A folder without one yields
// an error matching os.ErrNotExist.
func (l *Library) ReadSummary(name string) (string, error) {
	p, err := l.dir(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(p, SummaryFile))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteSummary replaces the folder's _summary.md atomically.
func (l *Library) WriteSummary(name, content string) error {
	p, err := l.dir(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p, ".summary-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp summary: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p, SummaryFile)); err != nil {
		return fmt.Errorf("replacing summary: %w", err)
	}
	return nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
