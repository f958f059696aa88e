// Package artifacts implements the content-addressed, bounded artifact
// store: large or off-context payloads are written to disk once and
// referenced by id everywhere else, so tool responses stay small.
//
// Grounded on original_source/mcp_servers/browser/server/artifacts.py.
package artifacts

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// idPattern validates every artifact id before any filesystem operation.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

const maxIDLen = 128
const maxSliceChars = 20_000

// ErrNotFound is returned for an unknown artifact id.
var ErrNotFound = fmt.Errorf("artifacts: not found")

// ErrExists is returned by Export when the destination exists and
// overwrite was not requested.
var ErrExists = fmt.Errorf("artifacts: destination exists")

// Ref is the metadata record returned by every put and by GetMeta.
type Ref struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	MimeType    string         `json:"mimeType"`
	Bytes       int64          `json:"bytes"`
	CreatedAt   int64          `json:"createdAt"`
	Path        string         `json:"-"` // absolute on-disk path, never serialized to agents
	Truncated   bool           `json:"truncated"`
	TotalChars  *int           `json:"totalChars,omitempty"`
	StoredChars *int           `json:"storedChars,omitempty"`
	Ext         string         `json:"-"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store is a bounded, content-addressed file store rooted at dataDir/artifacts.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir (typically "data/artifacts").
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) metaPath(id string) string { return filepath.Join(s.dataDir, id+".meta.json") }
func (s *Store) dataPath(id, ext string) string {
	return filepath.Join(s.dataDir, id+ext)
}

func makeID(kind string) (string, error) {
	safeKind := sanitizeKind(kind)
	var r [4]byte
	if _, err := rand.Read(r[:]); err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s_%d_%d_%s", safeKind, time.Now().UnixMilli(), os.Getpid(), hex.EncodeToString(r[:]))
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("artifacts: generated id %q failed validation", id)
	}
	return id, nil
}

var kindStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitizeKind(kind string) string {
	k := kindStrip.ReplaceAllString(kind, "")
	if k == "" {
		k = "artifact"
	}
	if len(k) > 32 {
		k = k[:32]
	}
	return k
}

func (s *Store) ensureDir() error { return os.MkdirAll(s.dataDir, 0o755) }

func (s *Store) writeMeta(ref Ref) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metaPath(ref.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { // #nosec G306 -- artifact metadata is not secret by itself
		return err
	}
	return os.Rename(tmp, s.metaPath(ref.ID))
}

// PutText stores text content, optionally already truncated by the caller
// (totalChars/storedChars/truncated describe that truncation for display).
func (s *Store) PutText(kind, text, mimeType, ext string, totalChars, storedChars *int, truncated bool, metadata map[string]any) (Ref, error) {
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if ext == "" {
		ext = ".txt"
	}
	return s.put(kind, []byte(text), mimeType, ext, func(ref *Ref) {
		ref.Truncated = truncated
		ref.TotalChars = totalChars
		ref.StoredChars = storedChars
	}, metadata)
}

// PutJSON serializes obj as pretty JSON and stores it.
func (s *Store) PutJSON(kind string, obj any, metadata map[string]any) (Ref, error) {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return Ref{}, err
	}
	return s.put(kind, data, "application/json", ".json", nil, metadata)
}

// PutImageB64 decodes base64 image data and stores the raw bytes.
func (s *Store) PutImageB64(kind, dataB64, mimeType string, metadata map[string]any) (Ref, error) {
	raw, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return Ref{}, fmt.Errorf("artifacts: decoding image: %w", err)
	}
	ext := extForMime(mimeType)
	return s.put(kind, raw, mimeType, ext, nil, metadata)
}

// PutFile copies srcPath's content into the store.
func (s *Store) PutFile(kind, srcPath, mimeType, ext string, metadata map[string]any) (Ref, error) {
	data, err := os.ReadFile(srcPath) // #nosec G304 -- caller-supplied source path from a trusted tool handler, not raw network input
	if err != nil {
		return Ref{}, err
	}
	if ext == "" {
		ext = filepath.Ext(srcPath)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return s.put(kind, data, mimeType, ext, nil, metadata)
}

func (s *Store) put(kind string, data []byte, mimeType, ext string, decorate func(*Ref), metadata map[string]any) (Ref, error) {
	if err := s.ensureDir(); err != nil {
		return Ref{}, err
	}
	id, err := makeID(kind)
	if err != nil {
		return Ref{}, err
	}
	if err := os.WriteFile(s.dataPath(id, ext), data, 0o644); err != nil { // #nosec G306
		return Ref{}, err
	}
	ref := Ref{
		ID:        id,
		Kind:      kind,
		MimeType:  mimeType,
		Bytes:     int64(len(data)),
		CreatedAt: time.Now().UnixMilli(),
		Path:      s.dataPath(id, ext),
		Ext:       ext,
		Metadata:  metadata,
	}
	if decorate != nil {
		decorate(&ref)
	}
	if err := s.writeMeta(ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

func (s *Store) validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("artifacts: invalid id %q", id)
	}
	return nil
}

// GetMeta loads an artifact's metadata.
func (s *Store) GetMeta(id string) (Ref, error) {
	if err := s.validateID(id); err != nil {
		return Ref{}, err
	}
	data, err := os.ReadFile(s.metaPath(id)) // #nosec G304 -- id is regex-validated above
	if os.IsNotExist(err) {
		return Ref{}, ErrNotFound
	}
	if err != nil {
		return Ref{}, err
	}
	var ref Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return Ref{}, err
	}
	ref.Path = s.dataPath(id, ref.Ext)
	return ref, nil
}

// GetTextSlice returns up to maxChars characters of text content starting
// at offset (capped at 20,000 regardless of caller-supplied maxChars).
func (s *Store) GetTextSlice(id string, offset, maxChars int) (string, error) {
	ref, err := s.GetMeta(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(ref.Path) // #nosec G304 -- path derives from a validated, store-owned id
	if err != nil {
		return "", err
	}
	text := string(data)
	if offset < 0 {
		offset = 0
	}
	if offset > len(text) {
		return "", nil
	}
	if maxChars <= 0 || maxChars > maxSliceChars {
		maxChars = maxSliceChars
	}
	end := offset + maxChars
	if end > len(text) {
		end = len(text)
	}
	return text[offset:end], nil
}

// GetImageB64 returns the metadata, base64-encoded bytes, and mime type.
func (s *Store) GetImageB64(id string) (Ref, string, string, error) {
	ref, err := s.GetMeta(id)
	if err != nil {
		return Ref{}, "", "", err
	}
	data, err := os.ReadFile(ref.Path) // #nosec G304
	if err != nil {
		return Ref{}, "", "", err
	}
	return ref, base64.StdEncoding.EncodeToString(data), ref.MimeType, nil
}

// Delete removes an artifact and its metadata.
func (s *Store) Delete(id string) error {
	ref, err := s.GetMeta(id)
	if err != nil {
		return err
	}
	_ = os.Remove(ref.Path)
	return os.Remove(s.metaPath(id))
}

// List returns up to limit artifacts (optionally filtered by kind), sorted
// by metadata mtime descending.
func (s *Store) List(limit int, kind string) ([]Ref, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type withMtime struct {
		ref   Ref
		mtime time.Time
	}
	var all []withMtime
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta.json")
		ref, err := s.GetMeta(id)
		if err != nil {
			continue
		}
		if kind != "" && ref.Kind != kind {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, withMtime{ref: ref, mtime: info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mtime.After(all[j].mtime) })
	if limit <= 0 {
		limit = 20
	}
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]Ref, len(all))
	for i, w := range all {
		out[i] = w.ref
	}
	return out, nil
}

var exportNameStrip = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Export copies an artifact into outDir (defaulting to data/outbox),
// returning a repo-relative path. Names are sanitized and length-capped.
func (s *Store) Export(id, outDir, name string, overwrite bool) (string, error) {
	ref, err := s.GetMeta(id)
	if err != nil {
		return "", err
	}
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(s.dataDir), "outbox")
	}
	if name == "" {
		name = id + ref.Ext
	}
	name = exportNameStrip.ReplaceAllString(name, "_")
	if len(name) > 200 {
		name = name[:200]
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(outDir, name)
	if _, err := os.Stat(dest); err == nil && !overwrite {
		return "", ErrExists
	}

	src, err := os.Open(ref.Path) // #nosec G304 -- path derives from a validated, store-owned id
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp := dest + ".tmp"
	dst, err := os.Create(tmp) // #nosec G304 -- dest name is sanitized above
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
