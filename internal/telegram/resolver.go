// ABOUTME: Resolver is the converter-facing slice of the client facade.
// ABOUTME: Converters stay pure functions over payloads plus this interface.

package telegram

import (
	"context"

	"github.com/tidwall/gjson"
)

// Resolver gives converters on-demand lookups of nested references
// (forward origins, replied messages) and media materialization.
// Satisfied by *Client; tests use fakes over synthetic payloads.
type Resolver interface {
	Caller
	GetOrDownloadFile(ctx context.Context, file gjson.Result, kind, defaultAsset string) string
	MediaStore() *MediaStore
}

// MediaStore exposes the client's media tree to converters.
func (c *Client) MediaStore() *MediaStore { return c.media }
