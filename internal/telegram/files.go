// ABOUTME: Materializes TDLib-downloaded files into the shared media tree.
// ABOUTME: Deterministic MD5-derived names let every process resolve the same path.

package telegram

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
)

// File kinds, each with its own subtree and naming scheme.
const (
	KindPhotos      = "photos"
	KindVideos      = "videos"
	KindStickers    = "stickers"
	KindAttachments = "attachments"
	KindProfile     = "profile"
	KindChat        = "chat"
)

// kindKeepsBasename lists kinds whose files keep their original
// basename under an MD5-derived directory, so downloads get a sensible
// filename. The rest use the MD5 with the original extension.
var kindKeepsBasename = map[string]bool{
	KindVideos:      true,
	KindAttachments: true,
}

// downloadLockTTL bounds the advisory dedup key for async downloads.
const downloadLockTTL = 10 * time.Minute

// MediaStore maps TDLib local files into the web-served media tree.
type MediaStore struct {
	root    string
	baseURL string
	thumbs  Thumbnailer
	logger  *slog.Logger
}

// NewMediaStore creates a store rooted at root and served under baseURL.
func NewMediaStore(root, baseURL string, logger *slog.Logger) *MediaStore {
	return &MediaStore{root: root, baseURL: baseURL, logger: logger}
}

// Materialize links a fully-downloaded TDLib file into the media tree
// and returns its tree-relative name. Returns "" when the file is not
// completely downloaded locally yet.
func (s *MediaStore) Materialize(file gjson.Result, kind string) string {
	localPath := file.Get("local.path").String()
	if localPath == "" || !file.Get("local.is_downloading_completed").Bool() {
		return ""
	}
	if _, err := os.Stat(localPath); err != nil {
		return ""
	}

	name := derivedName(localPath, kind)
	dest := filepath.Join(s.root, filepath.FromSlash(name))
	if _, err := os.Lstat(dest); err == nil {
		return name
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.logger.Error("creating media directory", "path", dest, "error", err)
		return ""
	}
	os.Remove(dest)
	if err := os.Symlink(localPath, dest); err != nil && !os.IsExist(err) {
		s.logger.Error("linking media file", "path", dest, "error", err)
		return ""
	}
	return name
}

// URL returns the absolute public URL for a tree-relative name.
func (s *MediaStore) URL(name string) string {
	u, err := url.JoinPath(s.baseURL, filepath.ToSlash(name))
	if err != nil {
		return s.baseURL + "/" + filepath.ToSlash(name)
	}
	return u
}

// Path returns the filesystem path for a tree-relative name.
func (s *MediaStore) Path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// FileSize returns the size of a materialized file, 0 if unreadable.
func (s *MediaStore) FileSize(name string) int64 {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return 0
	}
	return info.Size()
}

// ImageDims decodes just the header of a materialized image.
func (s *MediaStore) ImageDims(name string) (int, int, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Thumb describes a served thumbnail.
type Thumb struct {
	URL    string
	Width  int
	Height int
}

// Thumbnailer builds thumbnail URLs for materialized media. The real
// implementation lives in the web tier; the default serves the image
// itself at its native size.
type Thumbnailer interface {
	Thumbnail(name string) (Thumb, error)
}

// SetThumbnailer installs the web tier's thumbnail URL builder.
func (s *MediaStore) SetThumbnailer(t Thumbnailer) {
	s.thumbs = t
}

// Thumbnail resolves a thumbnail for a materialized file.
func (s *MediaStore) Thumbnail(name string) (Thumb, error) {
	if s.thumbs != nil {
		return s.thumbs.Thumbnail(name)
	}
	w, h, err := s.ImageDims(name)
	if err != nil {
		return Thumb{}, err
	}
	return Thumb{URL: s.URL(name), Width: w, Height: h}, nil
}

// derivedName builds the deterministic media name for a TDLib local
// path: telegram/<kind>/<md5>.<ext>, or <md5>/<basename> for kinds
// that keep the original filename.
func derivedName(localPath, kind string) string {
	sum := md5.Sum([]byte(localPath))
	digest := hex.EncodeToString(sum[:])
	if kindKeepsBasename[kind] {
		return filepath.ToSlash(filepath.Join("telegram", kind, digest, filepath.Base(localPath)))
	}
	return filepath.ToSlash(filepath.Join("telegram", kind, digest+filepath.Ext(localPath)))
}

// GetOrDownloadFile resolves a remote file descriptor to a media-tree
// name, issuing one synchronous downloadFile if needed. Missing media
// degrades to defaultAsset, never an error.
func (c *Client) GetOrDownloadFile(ctx context.Context, file gjson.Result, kind, defaultAsset string) string {
	if file.Get("local.is_downloading_active").Bool() {
		return defaultAsset
	}

	if name := c.media.Materialize(file, kind); name != "" {
		return name
	}

	fresh, err := c.Call(ctx, "downloadFile", map[string]any{
		"file_id":     file.Get("id").Int(),
		"synchronous": true,
		"priority":    5,
	})
	if err != nil {
		c.logger.Warn("download failed", "file_id", file.Get("id").Int(), "error", err)
		return defaultAsset
	}

	if name := c.media.Materialize(fresh, kind); name != "" {
		return name
	}
	return defaultAsset
}

// GetOrDownloadFileAsync starts a background download unless another
// process already did; the advisory queue key is the only lock, so a
// concurrent downloader simply no-ops and rechecks the cache path.
func (c *Client) GetOrDownloadFileAsync(ctx context.Context, file gjson.Result, kind, relatedData string) string {
	if file.Get("local.is_downloading_active").Bool() {
		return ""
	}

	if name := c.media.Materialize(file, kind); name != "" {
		return name
	}

	fileID := file.Get("id").Int()
	first, err := c.transport.TryAcquireOnce(ctx, c.accountID, fileID, relatedData, downloadLockTTL)
	if err != nil || !first {
		return ""
	}

	fresh, err := c.Call(ctx, "downloadFile", map[string]any{
		"file_id":     fileID,
		"synchronous": false,
		"priority":    3,
	})
	if err != nil {
		c.logger.Warn("async download failed", "file_id", fileID, "error", err)
		return ""
	}
	return c.media.Materialize(fresh, kind)
}
