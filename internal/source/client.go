package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/skylimit/curator/internal/models"
	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
	"github.com/skylimit/curator/pkg/telemetry"
)

// Client is the XRPC feed source. Every call goes through the gate.
type Client struct {
	http   *resty.Client
	gate   *Gate
	logger *zap.Logger
}

// NewClient creates a new feed source client
func NewClient(cfg *config.SourceConfig, gate *Gate) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		gate:   gate,
		logger: logging.WithComponent("feed-source"),
	}
}

// wire shapes for app.bsky.feed responses

type wireAuthor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type wireReply struct {
	Parent struct {
		URI string `json:"uri"`
	} `json:"parent"`
}

type wireRecord struct {
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	Tags      []string   `json:"tags"`
	Reply     *wireReply `json:"reply"`
}

type wirePost struct {
	URI         string     `json:"uri"`
	CID         string     `json:"cid"`
	Author      wireAuthor `json:"author"`
	Record      wireRecord `json:"record"`
	RepostCount int        `json:"repostCount"`
	Viewer      struct {
		Like string `json:"like"`
	} `json:"viewer"`
}

type wireReason struct {
	Type      string     `json:"$type"`
	By        wireAuthor `json:"by"`
	URI       string     `json:"uri"`
	IndexedAt time.Time  `json:"indexedAt"`
}

type wireFeedItem struct {
	Post   wirePost    `json:"post"`
	Reason *wireReason `json:"reason"`
}

type timelineResponse struct {
	Feed   []wireFeedItem `json:"feed"`
	Cursor string         `json:"cursor"`
}

type postsResponse struct {
	Posts []wirePost `json:"posts"`
}

// FetchHomePage fetches one page of the home timeline
func (c *Client) FetchHomePage(ctx context.Context, cursor string, limit int) ([]models.FeedItem, string, error) {
	ctx, span := telemetry.StartSpan(ctx, "source.fetch_home_page")
	defer span.End()

	var body timelineResponse
	err := c.gate.Do(ctx, "getTimeline", func(ctx context.Context) error {
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&body)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/xrpc/app.bsky.feed.getTimeline")
		return classifyResponse(resp, err)
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch home page: %w", err)
	}

	items := make([]models.FeedItem, 0, len(body.Feed))
	for i := range body.Feed {
		items = append(items, normalizeItem(&body.Feed[i]))
	}
	return items, body.Cursor, nil
}

// FetchSinglePost fetches one post by URI
func (c *Client) FetchSinglePost(ctx context.Context, uri string) (*models.Post, error) {
	ctx, span := telemetry.StartSpan(ctx, "source.fetch_single_post")
	defer span.End()

	var body postsResponse
	err := c.gate.Do(ctx, "getPosts", func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("uris", uri).
			SetResult(&body).
			Get("/xrpc/app.bsky.feed.getPosts")
		return classifyResponse(resp, err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch post %s: %w", uri, err)
	}
	if len(body.Posts) == 0 {
		return nil, ErrNotFound
	}
	post := normalizePost(&body.Posts[0])
	return &post, nil
}

// classifyResponse maps transport and HTTP failures onto the retry taxonomy
func classifyResponse(resp *resty.Response, err error) error {
	if err != nil {
		return &TransientError{Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterOf(resp)}
	case code >= 500:
		return &TransientError{Err: fmt.Errorf("server returned %d", code)}
	case code >= 400:
		return fmt.Errorf("server returned %d: %s", code, resp.String())
	}
	return nil
}

// retryAfterOf extracts the server-advertised wait time, zero when absent
func retryAfterOf(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header().Get("RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

// normalizeItem converts a wire feed item, resolving the reason union into
// the closed variant exactly once
func normalizeItem(w *wireFeedItem) models.FeedItem {
	item := models.FeedItem{Post: normalizePost(&w.Post)}
	if w.Reason != nil {
		kind := reasonKindOf(w.Reason.Type)
		if kind != models.ReasonNone {
			item.Reason = &models.Reason{
				Kind:      kind,
				ByDID:     w.Reason.By.DID,
				ByHandle:  w.Reason.By.Handle,
				RecordURI: w.Reason.URI,
				At:        w.Reason.IndexedAt,
			}
		}
	}
	return item
}

func normalizePost(w *wirePost) models.Post {
	tags := append([]string(nil), w.Record.Tags...)
	tags = append(tags, hashtagsOf(w.Record.Text)...)

	post := models.Post{
		URI:          w.URI,
		CID:          w.CID,
		AuthorDID:    w.Author.DID,
		AuthorHandle: w.Author.Handle,
		Text:         w.Record.Text,
		Tags:         tags,
		RepostCount:  w.RepostCount,
		LikedBySelf:  w.Viewer.Like != "",
		CreatedAt:    w.Record.CreatedAt,
	}
	if w.Record.Reply != nil {
		post.InReplyToURI = w.Record.Reply.Parent.URI
	}
	return post
}

// reasonKindOf maps the wire "$type" onto the closed reason enum
func reasonKindOf(t string) models.ReasonKind {
	if i := strings.LastIndex(t, "#"); i >= 0 {
		t = t[i+1:]
	}
	switch strings.ToLower(strings.TrimPrefix(t, "reason")) {
	case "like":
		return models.ReasonLike
	case "repost":
		return models.ReasonRepost
	case "reply":
		return models.ReasonReply
	case "mention":
		return models.ReasonMention
	case "quote":
		return models.ReasonQuote
	case "follow":
		return models.ReasonFollow
	default:
		return models.ReasonNone
	}
}

// hashtagsOf extracts lowercase #hashtags from post text
func hashtagsOf(text string) []string {
	var tags []string
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '#' {
			continue
		}
		j := i + 1
		for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '-' || runes[j] == '_') {
			j++
		}
		if j > i+1 {
			tags = append(tags, strings.ToLower(string(runes[i+1:j])))
		}
		i = j - 1
	}
	return tags
}
