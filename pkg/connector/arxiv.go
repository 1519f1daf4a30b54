package connector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultArxivAPIURL is the arXiv export API query endpoint.
	DefaultArxivAPIURL = "https://export.arxiv.org/api/query"
	// DefaultArxivPDFURL is the prefix PDF downloads are resolved against.
	DefaultArxivPDFURL = "https://arxiv.org/pdf/"
	// DefaultRequestInterval follows the arXiv API guideline of one request
	// every three seconds.
	DefaultRequestInterval = 3 * time.Second
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxDownloadBytes bounds a single PDF download.
	DefaultMaxDownloadBytes = 50 << 20
	// MaxSearchResults caps a single search request.
	MaxSearchResults = 100
)

// ArxivConfig configures the arXiv client.
type ArxivConfig struct {
	APIURL           string        `json:"api_url" mapstructure:"api_url"`
	PDFURL           string        `json:"pdf_url" mapstructure:"pdf_url"`
	RequestInterval  time.Duration `json:"request_interval" mapstructure:"request_interval"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxDownloadBytes int64         `json:"max_download_bytes" mapstructure:"max_download_bytes"`
	UserAgent        string        `json:"user_agent" mapstructure:"user_agent"`
}

// DefaultArxivConfig returns the public arXiv endpoints.
func DefaultArxivConfig() ArxivConfig {
	return ArxivConfig{
		APIURL:           DefaultArxivAPIURL,
		PDFURL:           DefaultArxivPDFURL,
		RequestInterval:  DefaultRequestInterval,
		Timeout:          DefaultTimeout,
		MaxDownloadBytes: DefaultMaxDownloadBytes,
		UserAgent:        "researchd/1.0",
	}
}

// ArxivClient implements Connector against the arXiv export API.
type ArxivClient struct {
	config  ArxivConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewArxivClient creates a client. Zero config fields take their defaults.
func NewArxivClient(config ArxivConfig, logger *slog.Logger) *ArxivClient {
	defaults := DefaultArxivConfig()
	if config.APIURL == "" {
		config.APIURL = defaults.APIURL
	}
	if config.PDFURL == "" {
		config.PDFURL = defaults.PDFURL
	}
	if !strings.HasSuffix(config.PDFURL, "/") {
		config.PDFURL += "/"
	}
	if config.RequestInterval < 0 {
		config.RequestInterval = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxDownloadBytes <= 0 {
		config.MaxDownloadBytes = defaults.MaxDownloadBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if config.RequestInterval > 0 {
		limit = rate.Every(config.RequestInterval)
	}
	return &ArxivClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// atom feed as returned by the export API
type atomFeed struct {
	XMLName      xml.Name    `xml:"feed"`
	TotalResults int         `xml:"totalResults"`
	Entries      []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Summary    string         `xml:"summary"`
	Published  string         `xml:"published"`
	Authors    []atomAuthor   `xml:"author"`
	Links      []atomLink     `xml:"link"`
	Categories []atomCategory `xml:"category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	versionRe    = regexp.MustCompile(`v\d+$`)
)

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// paperID extracts "1706.03762" from "http://arxiv.org/abs/1706.03762v5".
func paperID(entryID string) string {
	id := entryID
	if i := strings.Index(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	}
	return versionRe.ReplaceAllString(id, "")
}

func (e *atomEntry) toPaper() ExternalPaper {
	p := ExternalPaper{
		ID:       paperID(strings.TrimSpace(e.ID)),
		Title:    collapse(e.Title),
		Abstract: collapse(e.Summary),
	}
	p.DownloadRef = ArxivRefPrefix + p.ID
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
		p.Published = t
	}
	for _, a := range e.Authors {
		if name := collapse(a.Name); name != "" {
			p.Authors = append(p.Authors, name)
		}
	}
	for _, c := range e.Categories {
		if c.Term != "" {
			p.Categories = append(p.Categories, c.Term)
		}
	}
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			p.PDFURL = l.Href
			break
		}
	}
	return p
}

// SearchExternal runs a full-text query against arXiv.
func (c *ArxivClient) SearchExternal(ctx context.Context, query string, maxResults int) ([]ExternalPaper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > MaxSearchResults {
		maxResults = MaxSearchResults
	}

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("sortBy", "relevance")

	feed, err := c.query(ctx, "arxiv search", params)
	if err != nil {
		return nil, err
	}
	papers := make([]ExternalPaper, 0, len(feed.Entries))
	for i := range feed.Entries {
		p := feed.Entries[i].toPaper()
		if p.ID == "" || p.Title == "" {
			continue
		}
		papers = append(papers, p)
	}
	c.logger.Debug("arxiv search complete", "query", query, "results", len(papers))
	return papers, nil
}

// Lookup fetches the metadata of one paper by "arxiv:<id>" ref or bare id.
func (c *ArxivClient) Lookup(ctx context.Context, ref string) (*ExternalPaper, error) {
	id := strings.TrimPrefix(strings.TrimSpace(ref), ArxivRefPrefix)
	if id == "" || IsURLRef(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	params := url.Values{}
	params.Set("id_list", id)

	feed, err := c.query(ctx, "arxiv lookup", params)
	if err != nil {
		return nil, err
	}
	for i := range feed.Entries {
		p := feed.Entries[i].toPaper()
		// unknown ids come back as a single entry titled "Error"
		if p.ID != "" && p.Title != "" && p.Title != "Error" {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// DownloadPdf fetches the PDF behind an "arxiv:<id>" ref or a direct URL.
func (c *ArxivClient) DownloadPdf(ctx context.Context, ref string) ([]byte, error) {
	var target string
	switch {
	case IsURLRef(ref):
		target = ref
	case IsArxivRef(ref):
		target = c.config.PDFURL + url.PathEscape(strings.TrimPrefix(ref, ArxivRefPrefix))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}

	resp, err := c.do(ctx, "pdf download", target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if int64(len(data)) > c.config.MaxDownloadBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, ref)
	}
	c.logger.Debug("downloaded document", "ref", ref, "bytes", len(data))
	return data, nil
}

func (c *ArxivClient) query(ctx context.Context, op string, params url.Values) (*atomFeed, error) {
	resp, err := c.do(ctx, op, c.config.APIURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("%s: decode feed: %w", op, err)
	}
	return &feed, nil
}

// do waits for the rate limiter and issues a GET. The caller closes the body.
func (c *ArxivClient) do(ctx context.Context, op, target string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
