package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"media-grabber/app/config"
	"media-grabber/app/model"
	"media-grabber/app/result"

	"resty.dev/v3"
)

// Page 一页条目，NextCursor 为空表示没有下一页
type Page struct {
	Items      []FeedItem
	NextCursor string
}

type pageResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

type apiError struct {
	Message string `json:"message"`
}

// Gateway 通过各平台的 JSON 接口查询作品与分页列表。
//
// 接口约定：
//
//	GET {base}/items/{id}                        单个作品
//	GET {base}/users/{user}/{kind}?cursor={c}    {"items": [...], "next_cursor": "..."}
type Gateway struct {
	client   *resty.Client
	baseURLs map[model.PlatformType]string
	headers  *HeaderBuilder
}

// NewGateway 创建平台网关
func NewGateway(cfg config.PlatformsConfig, headers *HeaderBuilder) *Gateway {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Gateway{
		client: client,
		baseURLs: map[model.PlatformType]string{
			model.PlatformTwitter:  cfg.Twitter.BaseURL,
			model.PlatformPixiv:    cfg.Pixiv.BaseURL,
			model.PlatformLofter:   cfg.Lofter.BaseURL,
			model.PlatformMissEvan: cfg.MissEvan.BaseURL,
			model.PlatformKuaikan:  cfg.Kuaikan.BaseURL,
		},
		headers: headers,
	}
}

// Close 释放连接
func (g *Gateway) Close() error {
	return g.client.Close()
}

// Headers 下载该平台媒体时使用的请求头
func (g *Gateway) Headers(p model.PlatformType) map[string]string {
	return g.headers.Headers(p)
}

// Lookup 按来源 ID 查询单个作品
func (g *Gateway) Lookup(ctx context.Context, p model.PlatformType, sourceID string) result.NetworkResult[Payload] {
	return result.Catch(func() (Payload, error) {
		var raw json.RawMessage
		if err := g.get(ctx, p, "/items/{id}", map[string]string{"id": sourceID}, nil, &raw); err != nil {
			return nil, err
		}
		return decodePayload(p, raw)
	})
}

// Feed 分页遍历用户的收藏、点赞或作品
func (g *Gateway) Feed(ctx context.Context, p model.PlatformType, kind FeedKind, userID string) Feed {
	return func(yield func([]FeedItem, error) bool) {
		cursor := ""
		for {
			res := g.page(ctx, p, kind, userID, cursor)
			if !res.IsSuccess() {
				yield(nil, res.Err())
				return
			}
			page := res.Data()
			if len(page.Items) > 0 && !yield(page.Items, nil) {
				return
			}
			if page.NextCursor == "" || page.NextCursor == cursor {
				return
			}
			cursor = page.NextCursor
		}
	}
}

func (g *Gateway) page(ctx context.Context, p model.PlatformType, kind FeedKind, userID, cursor string) result.NetworkResult[*Page] {
	return result.Catch(func() (*Page, error) {
		var resp pageResponse
		query := map[string]string{}
		if cursor != "" {
			query["cursor"] = cursor
		}
		err := g.get(ctx, p, "/users/{user}/{kind}", map[string]string{
			"user": userID,
			"kind": string(kind),
		}, query, &resp)
		if err != nil {
			return nil, err
		}

		page := &Page{NextCursor: resp.NextCursor, Items: make([]FeedItem, 0, len(resp.Items))}
		for _, raw := range resp.Items {
			payload, err := decodePayload(p, raw)
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, ToFeedItem(payload))
		}
		return page, nil
	})
}

// get 发送请求并把响应解码到 out，非 2xx 转换为 *result.Error
func (g *Gateway) get(ctx context.Context, p model.PlatformType, path string, params, query map[string]string, out any) error {
	base := strings.TrimRight(g.baseURLs[p], "/")
	if base == "" {
		return result.NewError(0, fmt.Sprintf("平台未配置接口地址: %s", p))
	}

	var apiErr apiError
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeaders(g.headers.Headers(p)).
		SetPathParams(params).
		SetQueryParams(query).
		SetResult(out).
		SetError(&apiErr).
		Get(base + path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = strings.ToLower(http.StatusText(resp.StatusCode()))
		}
		return result.NewError(resp.StatusCode(), msg)
	}
	return nil
}

// decodePayload 按平台解析作品，缺少来源 ID 视为解析失败
func decodePayload(p model.PlatformType, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		id      func() string
	)
	switch p {
	case model.PlatformTwitter:
		v := &TweetMedia{}
		payload, id = v, func() string { return v.TweetID }
	case model.PlatformPixiv:
		v := &PixivIllust{}
		payload, id = v, func() string { return v.IllustID }
	case model.PlatformLofter:
		v := &LofterPost{}
		payload, id = v, func() string { return v.PostID }
	case model.PlatformMissEvan:
		v := &MissEvanDrama{}
		payload, id = v, func() string { return v.DramaID }
	case model.PlatformKuaikan:
		v := &KuaikanChapter{}
		payload, id = v, func() string { return v.ChapterID }
	default:
		return nil, fmt.Errorf("不支持的平台: %s", p)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("解析%s数据失败: %w", p, err)
	}
	if id() == "" {
		return nil, fmt.Errorf("解析%s数据失败: 缺少来源ID", p)
	}
	return payload, nil
}
