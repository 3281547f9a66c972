package newsdata

import (
	"context"

	"github.com/iara-trader/engine/pkg/types"
)

// Synthetic is a no-op Source returning no articles. It lets the engine run
// its full cycle without a live news vendor configured; every caller of
// Search already treats an empty result as "no news found" rather than as
// an error, so this is a safe default rather than a special case.
type Synthetic struct{}

// NewSynthetic builds a Synthetic news source.
func NewSynthetic() *Synthetic { return &Synthetic{} }

// Search always returns no articles.
func (s *Synthetic) Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	return nil, nil
}
