package queue

import (
	"sort"

	"github.com/hitoshi/votebox/internal/model"
)

// Rank はqueued状態のアイテムだけを残し、投票数の多い順に並べた新しいスライスを返す。
// 同数の場合は投稿が早い順、さらに同時刻の場合はID順で、入力順に依存しない。
func Rank(items []model.Item) []model.Item {
	ranked := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.Status == model.ItemStatusQueued {
			ranked = append(ranked, it)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return rankedBefore(&ranked[i], &ranked[j])
	})
	return ranked
}

func rankedBefore(a, b *model.Item) bool {
	if a.UpvoteCount != b.UpvoteCount {
		return a.UpvoteCount > b.UpvoteCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
