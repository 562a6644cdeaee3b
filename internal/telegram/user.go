// ABOUTME: Converts TDLib user and status payloads into domain dictionaries.
// ABOUTME: Profile photos materialize through the media store with a default fallback.

package telegram

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultProfilePhoto is served when a user or chat has no usable photo.
const DefaultProfilePhoto = "default/photo_profile.png"

// ConvertUser maps a TDLib user object to the domain member dictionary.
func ConvertUser(ctx context.Context, data gjson.Result, r Resolver) map[string]any {
	media := r.MediaStore()

	pic := userPic(ctx, data, r)
	picURL := media.URL(pic)
	picSmallURL := picURL
	if thumb, err := media.Thumbnail(pic); err == nil {
		picSmallURL = thumb.URL
	} else {
		media.logger.Warn("profile image error", "pic", pic, "error", err)
		picURL = media.URL(DefaultProfilePhoto)
		picSmallURL = picURL
	}

	result := map[string]any{
		"id":          MessengerPrefix + data.Get("id").String(),
		"displayname": displayName(data),
		"userid":      data.Get("username").String(),
		"pic":         picURL,
		"pic_small":   picSmallURL,
		"first_name":  data.Get("first_name").String(),
		"last_name":   data.Get("last_name").String(),
		"phone":       data.Get("phone_number").String(),
		"email":       "",
		"date_joined": 0,
	}
	for k, v := range ConvertUserStatus(data.Get("status")) {
		result[k] = v
	}
	return result
}

// ConvertUserStatus maps a TDLib user status to online/was_online fields.
func ConvertUserStatus(status gjson.Result) map[string]any {
	var wasOnline int64
	switch status.Get("@type").String() {
	case "userStatusOffline":
		wasOnline = status.Get("was_online").Int()
	case "userStatusOnline":
		wasOnline = time.Now().Unix()
	}

	return map[string]any{
		"online":     status.Get("@type").String() == "userStatusOnline",
		"was_online": wasOnline,
	}
}

// userPic materializes the best available profile photo size.
func userPic(ctx context.Context, data gjson.Result, r Resolver) string {
	photo := data.Get("profile_photo")
	if !photo.Exists() {
		return DefaultProfilePhoto
	}
	if big := photo.Get("big"); big.Exists() {
		return r.GetOrDownloadFile(ctx, big, KindProfile, DefaultProfilePhoto)
	}
	return r.GetOrDownloadFile(ctx, photo.Get("small"), KindProfile, DefaultProfilePhoto)
}

func displayName(data gjson.Result) string {
	first := data.Get("first_name").String()
	last := data.Get("last_name").String()
	if last == "" {
		return first
	}
	return first + " " + last
}
