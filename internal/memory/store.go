package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	journalDir   = "journal"
	journalStamp = "2006-01-02"
	fileExt      = ".md"
)

// identityFiles lead every excerpt, in this order.
var identityFiles = []string{"identity.md", "profile.md"}

var ErrInvalidName = errors.New("invalid memory file name")

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store keeps durable memory as markdown files under one root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("memory root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, journalDir), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// resolve maps a relative name to a path inside root. ".md" is appended
// when missing.
func (s *Store) resolve(name string) (string, string, error) {
	name = strings.TrimSpace(filepath.ToSlash(name))
	if name == "" || strings.HasPrefix(name, "/") {
		return "", "", ErrInvalidName
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", ErrInvalidName
	}
	if !strings.HasSuffix(clean, fileExt) {
		clean += fileExt
	}
	return clean, filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) Read(name string) (string, error) {
	_, path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Write replaces the file content atomically.
func (s *Store) Write(name, content string) (string, error) {
	clean, path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return clean, nil
}

// AppendJournal adds a timestamped bullet to the journal file of now's day.
func (s *Store) AppendJournal(now time.Time, entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", errors.New("journal entry is empty")
	}
	name := JournalName(now)
	_, path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "- %s %s\n", now.Format("15:04"), entry); err != nil {
		return "", err
	}
	return name, nil
}

func JournalName(day time.Time) string {
	return journalDir + "/" + day.Format(journalStamp) + fileExt
}

// List returns all memory files sorted by name.
func (s *Store) List() ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Name: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Excerpt concatenates memory files within budget characters: identity and
// profile first, then today's and yesterday's journal, then the rest by most
// recent change. The file that crosses the budget is cut and nothing after
// it is included.
func (s *Store) Excerpt(now time.Time, budget int) string {
	if budget <= 0 {
		return ""
	}
	files, err := s.List()
	if err != nil || len(files) == 0 {
		return ""
	}
	ordered := make([]string, 0, len(files))
	seen := map[string]bool{}
	push := func(name string) {
		if !seen[name] {
			seen[name] = true
			ordered = append(ordered, name)
		}
	}
	present := map[string]bool{}
	for _, f := range files {
		present[f.Name] = true
	}
	for _, name := range identityFiles {
		if present[name] {
			push(name)
		}
	}
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		if name := JournalName(day); present[name] {
			push(name)
		}
	}
	rest := append([]FileInfo(nil), files...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Modified.After(rest[j].Modified) })
	for _, f := range rest {
		push(f.Name)
	}

	var b strings.Builder
	remaining := budget
	for _, name := range ordered {
		content, err := s.Read(name)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		section := "### " + name + "\n" + strings.TrimSpace(content) + "\n\n"
		if n := utf8.RuneCountInString(section); n <= remaining {
			b.WriteString(section)
			remaining -= n
			continue
		}
		b.WriteString(truncate(section, remaining))
		break
	}
	return strings.TrimSpace(b.String())
}

const truncatedMark = "\n[truncated]"

// truncate keeps at most n runes of s, mark included.
func truncate(s string, n int) string {
	markLen := utf8.RuneCountInString(truncatedMark)
	if n <= markLen {
		return ""
	}
	runes := []rune(s)
	keep := n - markLen
	if keep > len(runes) {
		keep = len(runes)
	}
	return string(runes[:keep]) + truncatedMark
}
