// Package platform 封装各平台客户端返回的数据。
//
// 每个平台的返回值是一个封闭的 Payload 变体，下载核心只通过 ToFeedItem
// 把它们统一转换为 FeedItem，不关心各平台的解析细节。
package platform

import (
	"fmt"
	"path"
	"strings"

	"media-grabber/app/model"
	"media-grabber/app/utils/pathhelper"

	"github.com/samber/lo"
)

// Payload 平台返回的数据，只能是本包定义的几种类型
type Payload interface {
	platform() model.PlatformType
}

// MediaRef 一个可下载的媒体文件
type MediaRef struct {
	URL       string          `json:"url"`
	FileName  string          `json:"file_name"`
	MediaType model.MediaType `json:"media_type"`
	Size      int64           `json:"size,omitempty"`
}

// FeedItem 统一的条目：一条推文、一个插画作品、一个章节……
type FeedItem struct {
	Platform    model.PlatformType `json:"platform"`
	SourceID    string             `json:"source_id"`
	UserID      string             `json:"user_id"`
	ScreenName  string             `json:"screen_name"`
	DisplayName string             `json:"display_name"`
	Media       []MediaRef         `json:"media"`
}

// TweetMedia 推文及其附带的媒体
type TweetMedia struct {
	TweetID     string        `json:"tweet_id"`
	UserID      string        `json:"user_id"`
	ScreenName  string        `json:"screen_name"`
	DisplayName string        `json:"display_name"`
	Media       []TweetEntity `json:"media"`
}

// TweetEntity type 为 photo、video 或 animated_gif
type TweetEntity struct {
	Type     string         `json:"type"`
	URL      string         `json:"url"`
	Variants []VideoVariant `json:"variants"`
}

type VideoVariant struct {
	Bitrate     int    `json:"bitrate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// PixivIllust 插画或漫画作品，Pages 为每一页原图地址
type PixivIllust struct {
	IllustID string   `json:"illust_id"`
	UserID   string   `json:"user_id"`
	Account  string   `json:"account"`
	UserName string   `json:"user_name"`
	Title    string   `json:"title"`
	Pages    []string `json:"pages"`
}

// LofterPost 图片帖子
type LofterPost struct {
	PostID   string   `json:"post_id"`
	BlogID   string   `json:"blog_id"`
	BlogName string   `json:"blog_name"`
	NickName string   `json:"nick_name"`
	Photos   []string `json:"photos"`
}

// MissEvanDrama 广播剧及其分集音频
type MissEvanDrama struct {
	DramaID  string            `json:"drama_id"`
	Name     string            `json:"name"`
	AuthorID string            `json:"author_id"`
	Author   string            `json:"author"`
	Episodes []MissEvanEpisode `json:"episodes"`
}

type MissEvanEpisode struct {
	SoundID  string `json:"sound_id"`
	Title    string `json:"title"`
	SoundURL string `json:"sound_url"`
}

// KuaikanChapter 漫画章节，Images 按阅读顺序排列
type KuaikanChapter struct {
	ChapterID    string   `json:"chapter_id"`
	ComicID      string   `json:"comic_id"`
	ComicTitle   string   `json:"comic_title"`
	ChapterTitle string   `json:"chapter_title"`
	AuthorID     string   `json:"author_id"`
	Author       string   `json:"author"`
	Images       []string `json:"images"`
}

func (*TweetMedia) platform() model.PlatformType     { return model.PlatformTwitter }
func (*PixivIllust) platform() model.PlatformType    { return model.PlatformPixiv }
func (*LofterPost) platform() model.PlatformType     { return model.PlatformLofter }
func (*MissEvanDrama) platform() model.PlatformType  { return model.PlatformMissEvan }
func (*KuaikanChapter) platform() model.PlatformType { return model.PlatformKuaikan }

// ToFeedItem 将平台数据转换为统一条目，空地址会被过滤
func ToFeedItem(p Payload) FeedItem {
	var item FeedItem
	switch v := p.(type) {
	case *TweetMedia:
		item = FeedItem{
			SourceID:    v.TweetID,
			UserID:      v.UserID,
			ScreenName:  v.ScreenName,
			DisplayName: v.DisplayName,
			Media: lo.Map(v.Media, func(e TweetEntity, i int) MediaRef {
				url := e.URL
				if e.Type != "photo" {
					url = bestVariant(e.Variants, url)
				}
				return mediaRef(url, fmt.Sprintf("%s_%d", v.TweetID, i+1), tweetMediaType(e.Type))
			}),
		}
	case *PixivIllust:
		item = FeedItem{
			SourceID:    v.IllustID,
			UserID:      v.UserID,
			ScreenName:  v.Account,
			DisplayName: v.UserName,
			Media: lo.Map(v.Pages, func(url string, i int) MediaRef {
				return mediaRef(url, fmt.Sprintf("%s_p%d", v.IllustID, i), model.MediaTypePhoto)
			}),
		}
	case *LofterPost:
		item = FeedItem{
			SourceID:    v.PostID,
			UserID:      v.BlogID,
			ScreenName:  v.BlogName,
			DisplayName: v.NickName,
			Media: lo.Map(v.Photos, func(url string, i int) MediaRef {
				return mediaRef(url, fmt.Sprintf("%s_%d", v.PostID, i+1), model.MediaTypePhoto)
			}),
		}
	case *MissEvanDrama:
		item = FeedItem{
			SourceID:    v.DramaID,
			UserID:      v.AuthorID,
			ScreenName:  v.Name,
			DisplayName: v.Author,
			Media: lo.Map(v.Episodes, func(e MissEvanEpisode, i int) MediaRef {
				name := e.Title
				if name == "" {
					name = e.SoundID
				}
				return mediaRef(e.SoundURL, fmt.Sprintf("%02d_%s", i+1, name), model.MediaTypeAudio)
			}),
		}
	case *KuaikanChapter:
		item = FeedItem{
			SourceID:    v.ChapterID,
			UserID:      v.AuthorID,
			ScreenName:  v.ComicTitle,
			DisplayName: v.Author,
			Media: lo.Map(v.Images, func(url string, i int) MediaRef {
				return mediaRef(url, fmt.Sprintf("%s_%03d", v.ChapterID, i+1), model.MediaTypePhoto)
			}),
		}
	default:
		return FeedItem{}
	}

	item.Platform = p.platform()
	item.Media = lo.Filter(item.Media, func(m MediaRef, _ int) bool { return m.URL != "" })
	return item
}

// bestVariant 选择码率最高的 mp4
func bestVariant(variants []VideoVariant, fallback string) string {
	mp4 := lo.Filter(variants, func(v VideoVariant, _ int) bool {
		return v.ContentType == "video/mp4" && v.URL != ""
	})
	if len(mp4) == 0 {
		return fallback
	}
	return lo.MaxBy(mp4, func(a, b VideoVariant) bool { return a.Bitrate > b.Bitrate }).URL
}

func tweetMediaType(t string) model.MediaType {
	switch t {
	case "photo":
		return model.MediaTypePhoto
	case "animated_gif":
		return model.MediaTypeGIF
	case "video":
		return model.MediaTypeVideo
	default:
		return model.MediaTypeOther
	}
}

// mediaRef 文件名为 base 加上地址中的扩展名
func mediaRef(url, base string, mediaType model.MediaType) MediaRef {
	ext := strings.ToLower(path.Ext(pathhelper.NameFromURL(url)))
	if ext == "" {
		ext = defaultExt(mediaType)
	}
	return MediaRef{
		URL:       url,
		FileName:  pathhelper.SanitizeFileName(base + ext),
		MediaType: mediaType,
	}
}

func defaultExt(t model.MediaType) string {
	switch t {
	case model.MediaTypePhoto:
		return ".jpg"
	case model.MediaTypeVideo, model.MediaTypeGIF:
		return ".mp4"
	case model.MediaTypeAudio:
		return ".mp3"
	default:
		return ".bin"
	}
}
