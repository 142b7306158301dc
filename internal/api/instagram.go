package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"InstaTG/internal/monitoring"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL   = "https://www.instagram.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	webAppID = "936619743392459"
)

var (
	ErrProfileNotFound = errors.New("instagram profile not found")
	ErrPostNotFound    = errors.New("instagram post not found")
	ErrLoginFailed     = errors.New("instagram login failed")
	ErrLoginRequired   = errors.New("instagram login required")
	ErrInvalidPostURL  = errors.New("no post shortcode in url")

	usernamePattern  = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)
	shortcodePattern = regexp.MustCompile(`/(?:p|reels?|tv)/([A-Za-z0-9_-]+)`)
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type MediaItem struct {
	Type MediaType
	URL  string
}

type Profile struct {
	ID            string
	Username      string
	FullName      string
	Biography     string
	Followers     int
	Following     int
	PostsCount    int
	IsPrivate     bool
	IsVerified    bool
	ExternalURL   string
	ProfilePicURL string
}

// Post describes a single publication. URL and MediaType refer to the cover
// media; Items lists every media of a carousel.
type Post struct {
	Shortcode     string
	OwnerUsername string
	Likes         int
	Comments      int
	Caption       string
	Timestamp     time.Time
	MediaType     MediaType
	URL           string
	Items         []MediaItem
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Retry      RetryPolicy
}

// Instagram talks to the public web endpoints of instagram.com. A logged-in
// session lives in the client's cookie jar.
type Instagram struct {
	opts    Options
	baseURL string
	client  *http.Client
	retry   RetryPolicy

	mu       sync.RWMutex
	loggedIn bool
	username string
}

func NewInstagram(opts Options) (*Instagram, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			monitoring.Logger().WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   err.Error(),
			}).Warn("retrying instagram request")
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		client = &copied
	}
	client.Jar = jar

	return &Instagram{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		retry:   opts.Retry,
	}, nil
}

func ValidateUsername(username string) bool {
	if len(username) < 3 || len(username) > 30 {
		return false
	}
	return usernamePattern.MatchString(username)
}

// ExtractShortcode returns the post code of a /p/, /reel/, /reels/ or /tv/ link.
func ExtractShortcode(link string) (string, error) {
	m := shortcodePattern.FindStringSubmatch(link)
	if m == nil {
		return "", ErrInvalidPostURL
	}
	return m[1], nil
}

func (c *Instagram) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn
}

// Login authenticates this client. The session cookies replace any previous ones.
func (c *Instagram) Login(ctx context.Context, username, password string) error {
	csrf, err := c.fetchCSRFToken(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("enc_password", fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), password))
	form.Set("queryParams", "{}")
	form.Set("optIntoOneTap", "false")

	var result struct {
		Authenticated bool   `json:"authenticated"`
		User          bool   `json:"user"`
		Status        string `json:"status"`
	}

	err = c.do(ctx, "login", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/web/accounts/login/ajax/", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-CSRFToken", csrf)
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set("Referer", c.baseURL+"/accounts/login/")
		return req, nil
	}, &result)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && rejectsCredentials(se.Code) {
			return fmt.Errorf("%w: status %d", ErrLoginFailed, se.Code)
		}
		return err
	}

	if !result.Authenticated {
		return ErrLoginFailed
	}

	c.mu.Lock()
	c.loggedIn = true
	c.username = username
	c.mu.Unlock()
	return nil
}

// CheckCredentials logs in with a throwaway session so the shared one is untouched.
func (c *Instagram) CheckCredentials(ctx context.Context, username, password string) error {
	probe, err := NewInstagram(c.opts)
	if err != nil {
		return err
	}
	return probe.Login(ctx, username, password)
}

func (c *Instagram) fetchCSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/accounts/login/", nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch login page: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	for _, cookie := range c.client.Jar.Cookies(req.URL) {
		if cookie.Name == "csrftoken" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("%w: no csrf token issued", ErrLoginFailed)
}

func (c *Instagram) ProfileExists(ctx context.Context, username string) (bool, error) {
	_, err := c.GetProfile(ctx, username)
	if errors.Is(err, ErrProfileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Instagram) GetProfile(ctx context.Context, username string) (*Profile, error) {
	user, err := c.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return user.profile(), nil
}

// GetUserPosts returns up to limit of the most recent posts shown on the profile page.
func (c *Instagram) GetUserPosts(ctx context.Context, username string, limit int) ([]Post, error) {
	user, err := c.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}

	edges := user.Media.Edges
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}

	posts := make([]Post, 0, len(edges))
	for _, e := range edges {
		posts = append(posts, e.Node.post(user.Username))
	}
	return posts, nil
}

func (c *Instagram) GetPost(ctx context.Context, shortcode string) (*Post, error) {
	var result struct {
		Items []mediaItem `json:"items"`
	}

	path := "/p/" + url.PathEscape(shortcode) + "/?__a=1&__d=dis"
	if err := c.getJSON(ctx, "post", path, &result); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrPostNotFound
		}
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, ErrPostNotFound
	}

	item := result.Items[0]
	post := &Post{
		Shortcode:     shortcode,
		OwnerUsername: item.User.Username,
		Likes:         item.LikeCount,
		Comments:      item.CommentCount,
		Timestamp:     time.Unix(item.TakenAt, 0).UTC(),
		Items:         item.flatten(),
	}
	if item.Caption != nil {
		post.Caption = item.Caption.Text
	}
	if len(post.Items) > 0 {
		post.MediaType = post.Items[0].Type
		post.URL = post.Items[0].URL
	}
	return post, nil
}

// GetStories lists the active stories of a user. Requires Login.
func (c *Instagram) GetStories(ctx context.Context, username string) ([]MediaItem, error) {
	if !c.LoggedIn() {
		return nil, ErrLoginRequired
	}

	user, err := c.fetchUser(ctx, username)
	if err != nil {
		return nil, err
	}

	var result struct {
		Reels map[string]struct {
			Items []mediaItem `json:"items"`
		} `json:"reels"`
	}
	if err := c.getJSON(ctx, "stories", "/api/v1/feed/reels_media/?reel_ids="+url.QueryEscape(user.ID), &result); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return nil, ErrLoginRequired
		}
		return nil, err
	}

	var items []MediaItem
	for _, it := range result.Reels[user.ID].Items {
		items = append(items, it.flatten()...)
	}
	return items, nil
}

func (c *Instagram) fetchUser(ctx context.Context, username string) (*webUser, error) {
	var result struct {
		Data struct {
			User *webUser `json:"user"`
		} `json:"data"`
	}

	path := "/api/v1/users/web_profile_info/?username=" + url.QueryEscape(username)
	if err := c.getJSON(ctx, "profile", path, &result); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	if result.Data.User == nil {
		return nil, ErrProfileNotFound
	}
	return result.Data.User, nil
}

func (c *Instagram) getJSON(ctx context.Context, endpoint, path string, out any) error {
	return c.do(ctx, endpoint, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	}, out)
}

// do sends the request built by newReq with retries and decodes a JSON body into out.
func (c *Instagram) do(ctx context.Context, endpoint string, newReq func() (*http.Request, error), out any) error {
	_, err := withRetry(ctx, c.retry, func() (struct{}, error) {
		req, err := newReq()
		if err != nil {
			return struct{}{}, err
		}
		c.setHeaders(req)

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			monitoring.InstagramRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
			return struct{}{}, fmt.Errorf("instagram %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		monitoring.InstagramRequestDuration.WithLabelValues(endpoint, statusClass(resp.StatusCode)).Observe(time.Since(start).Seconds())

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decode instagram %s response: %w", endpoint, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *Instagram) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-IG-App-ID", webAppID)
	req.Header.Set("Accept", "*/*")
}

// rejectsCredentials reports whether a login status means the credentials
// were refused rather than the request being throttled or failing.
func rejectsCredentials(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

type count struct {
	Count int `json:"count"`
}

type webUser struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	FullName        string `json:"full_name"`
	Biography       string `json:"biography"`
	ExternalURL     string `json:"external_url"`
	ProfilePicURL   string `json:"profile_pic_url"`
	ProfilePicURLHD string `json:"profile_pic_url_hd"`
	IsPrivate       bool   `json:"is_private"`
	IsVerified      bool   `json:"is_verified"`
	FollowedBy      count  `json:"edge_followed_by"`
	Follow          count  `json:"edge_follow"`
	Media           struct {
		Count int `json:"count"`
		Edges []struct {
			Node timelineNode `json:"node"`
		} `json:"edges"`
	} `json:"edge_owner_to_timeline_media"`
}

func (u *webUser) profile() *Profile {
	pic := u.ProfilePicURLHD
	if pic == "" {
		pic = u.ProfilePicURL
	}
	return &Profile{
		ID:            u.ID,
		Username:      u.Username,
		FullName:      u.FullName,
		Biography:     u.Biography,
		Followers:     u.FollowedBy.Count,
		Following:     u.Follow.Count,
		PostsCount:    u.Media.Count,
		IsPrivate:     u.IsPrivate,
		IsVerified:    u.IsVerified,
		ExternalURL:   u.ExternalURL,
		ProfilePicURL: pic,
	}
}

type timelineNode struct {
	Shortcode  string `json:"shortcode"`
	IsVideo    bool   `json:"is_video"`
	DisplayURL string `json:"display_url"`
	VideoURL   string `json:"video_url"`
	TakenAt    int64  `json:"taken_at_timestamp"`
	LikedBy    count  `json:"edge_liked_by"`
	Comments   count  `json:"edge_media_to_comment"`
	Caption    struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
}

func (n timelineNode) post(owner string) Post {
	p := Post{
		Shortcode:     n.Shortcode,
		OwnerUsername: owner,
		Likes:         n.LikedBy.Count,
		Comments:      n.Comments.Count,
		Timestamp:     time.Unix(n.TakenAt, 0).UTC(),
		MediaType:     MediaImage,
		URL:           n.DisplayURL,
	}
	if n.IsVideo && n.VideoURL != "" {
		p.MediaType = MediaVideo
		p.URL = n.VideoURL
	}
	if len(n.Caption.Edges) > 0 {
		p.Caption = n.Caption.Edges[0].Node.Text
	}
	p.Items = []MediaItem{{Type: p.MediaType, URL: p.URL}}
	return p
}

// mediaItem is the private API media shape shared by posts, reels and stories.
type mediaItem struct {
	MediaType    int   `json:"media_type"`
	TakenAt      int64 `json:"taken_at"`
	LikeCount    int   `json:"like_count"`
	CommentCount int   `json:"comment_count"`
	Caption      *struct {
		Text string `json:"text"`
	} `json:"caption"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	ImageVersions struct {
		Candidates []struct {
			URL string `json:"url"`
		} `json:"candidates"`
	} `json:"image_versions2"`
	VideoVersions []struct {
		URL string `json:"url"`
	} `json:"video_versions"`
	CarouselMedia []mediaItem `json:"carousel_media"`
}

const (
	igPhoto    = 1
	igVideo    = 2
	igCarousel = 8
)

func (m mediaItem) flatten() []MediaItem {
	if m.MediaType == igCarousel {
		var items []MediaItem
		for _, child := range m.CarouselMedia {
			items = append(items, child.flatten()...)
		}
		return items
	}

	if m.MediaType == igVideo && len(m.VideoVersions) > 0 {
		return []MediaItem{{Type: MediaVideo, URL: m.VideoVersions[0].URL}}
	}
	if len(m.ImageVersions.Candidates) > 0 {
		return []MediaItem{{Type: MediaImage, URL: m.ImageVersions.Candidates[0].URL}}
	}
	return nil
}
