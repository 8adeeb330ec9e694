package platform

import (
	"fmt"
	"iter"
	"strings"
)

// FeedKind 批量导入的来源
type FeedKind string

const (
	FeedBookmarks FeedKind = "bookmarks"
	FeedLikes     FeedKind = "likes"
	FeedUserMedia FeedKind = "user_media"
)

// ParseFeedKind 解析批量导入来源
func ParseFeedKind(s string) (FeedKind, error) {
	switch k := FeedKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FeedBookmarks, FeedLikes, FeedUserMedia:
		return k, nil
	default:
		return "", fmt.Errorf("不支持的批量导入类型: %s", s)
	}
}

// Feed 按页产出条目的有限序列。
//
// 序列是惰性的，重新遍历会从第一页开始；出错时最多产出一次错误，随后结束。
type Feed = iter.Seq2[[]FeedItem, error]

// FeedOf 由固定的页面构造 Feed，err 非空时在所有页面之后产出
func FeedOf(pages [][]FeedItem, err error) Feed {
	return func(yield func([]FeedItem, error) bool) {
		for _, page := range pages {
			if !yield(page, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}
