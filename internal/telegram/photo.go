// ABOUTME: Photo size selection and materialization for TDLib photo payloads.
// ABOUTME: Picks the best remote size by a fixed preference order.

package telegram

import (
	"context"

	"github.com/tidwall/gjson"
)

// preferredSizes orders TDLib photo size tags best-first:
// 1280x1280, 800x800, 2560x2560, 320x320, 100x100, currently-uploading.
var preferredSizes = []string{"y", "w", "x", "m", "s", "i"}

// ConvertPhoto resolves a TDLib photo payload to a media-tree name,
// downloading the preferred size if needed. Returns "" when no size on
// the preference list is present.
func ConvertPhoto(ctx context.Context, data gjson.Result, r Resolver) string {
	file := selectPhotoSize(data)
	if !file.Exists() {
		return ""
	}
	return r.GetOrDownloadFile(ctx, file, KindPhotos, "")
}

// selectPhotoSize returns the photo file descriptor for the first
// preferred size tag present in the size list.
func selectPhotoSize(data gjson.Result) gjson.Result {
	sizes := data.Get("sizes").Array()
	for _, tag := range preferredSizes {
		for _, s := range sizes {
			if s.Get("type").String() == tag {
				return s.Get("photo")
			}
		}
	}
	return gjson.Result{}
}
