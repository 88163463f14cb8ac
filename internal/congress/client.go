package congress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/civicsignal/billwatch/internal/store"
)

// Client consumes the congress.gov v3 API: the paginated "changed since"
// bill list plus the per-bill detail endpoints.
type Client struct {
	endpoint   string
	apiKey     string
	pageSize   int
	httpClient *http.Client
}

// NewClient builds a client for the given endpoint (e.g. https://api.congress.gov/v3).
func NewClient(endpoint, apiKey string, pageSize int, timeout time.Duration) *Client {
	if pageSize <= 0 || pageSize > 250 {
		pageSize = 250
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListedBill is one entry of the changed-bills listing.
type ListedBill struct {
	Key        store.BillKey
	Title      string
	UpdateDate time.Time
}

// Detail carries the identity fields fetched from the bill detail endpoint.
type Detail struct {
	Title          string
	Sponsor        string
	Party          string
	IntroducedAt   time.Time
	LatestActionAt time.Time
	LatestAction   string
}

type listResponse struct {
	Bills []struct {
		Congress   int    `json:"congress"`
		Type       string `json:"type"`
		Number     string `json:"number"`
		Title      string `json:"title"`
		UpdateDate string `json:"updateDate"`
	} `json:"bills"`
	Pagination struct {
		Count int    `json:"count"`
		Next  string `json:"next"`
	} `json:"pagination"`
}

// ListSince returns one page of bills updated at or after the given time and
// whether further pages remain.
func (c *Client) ListSince(ctx context.Context, since time.Time, offset int) ([]ListedBill, bool, error) {
	params := url.Values{}
	params.Set("fromDateTime", since.UTC().Format("2006-01-02T15:04:05Z"))
	params.Set("sort", "updateDate+asc")
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(c.pageSize))

	var resp listResponse
	if err := c.get(ctx, "/bill", params, &resp); err != nil {
		return nil, false, err
	}

	bills := make([]ListedBill, 0, len(resp.Bills))
	for _, b := range resp.Bills {
		number, err := strconv.Atoi(b.Number)
		if err != nil {
			continue
		}
		lb := ListedBill{
			Key:   store.BillKey{Type: strings.ToUpper(b.Type), Number: number, Congress: b.Congress},
			Title: b.Title,
		}
		if t, err := time.Parse("2006-01-02T15:04:05Z", b.UpdateDate); err == nil {
			lb.UpdateDate = t
		} else if t, err := time.Parse("2006-01-02", b.UpdateDate); err == nil {
			lb.UpdateDate = t
		}
		bills = append(bills, lb)
	}
	hasMore := resp.Pagination.Next != "" || offset+len(resp.Bills) < resp.Pagination.Count
	return bills, hasMore && len(resp.Bills) > 0, nil
}

// Subjects fetches the legislative subject tags for a bill; this is the
// lightweight relevance signal checked before the full detail fetch.
func (c *Client) Subjects(ctx context.Context, key store.BillKey) ([]string, error) {
	var resp struct {
		Subjects struct {
			LegislativeSubjects []struct {
				Name string `json:"name"`
			} `json:"legislativeSubjects"`
			PolicyArea struct {
				Name string `json:"name"`
			} `json:"policyArea"`
		} `json:"subjects"`
	}
	if err := c.get(ctx, c.billPath(key)+"/subjects", nil, &resp); err != nil {
		return nil, err
	}
	var subjects []string
	if resp.Subjects.PolicyArea.Name != "" {
		subjects = append(subjects, resp.Subjects.PolicyArea.Name)
	}
	for _, s := range resp.Subjects.LegislativeSubjects {
		subjects = append(subjects, s.Name)
	}
	return subjects, nil
}

// Detail fetches the core identity fields of a bill.
func (c *Client) Detail(ctx context.Context, key store.BillKey) (Detail, error) {
	var resp struct {
		Bill struct {
			Title    string `json:"title"`
			Sponsors []struct {
				FullName string `json:"fullName"`
				Party    string `json:"party"`
			} `json:"sponsors"`
			IntroducedDate string `json:"introducedDate"`
			LatestAction   struct {
				ActionDate string `json:"actionDate"`
				Text       string `json:"text"`
			} `json:"latestAction"`
		} `json:"bill"`
	}
	if err := c.get(ctx, c.billPath(key), nil, &resp); err != nil {
		return Detail{}, err
	}
	d := Detail{
		Title:        resp.Bill.Title,
		LatestAction: resp.Bill.LatestAction.Text,
	}
	if len(resp.Bill.Sponsors) > 0 {
		d.Sponsor = resp.Bill.Sponsors[0].FullName
		d.Party = resp.Bill.Sponsors[0].Party
	}
	if t, err := time.Parse("2006-01-02", resp.Bill.IntroducedDate); err == nil {
		d.IntroducedAt = t
	}
	if t, err := time.Parse("2006-01-02", resp.Bill.LatestAction.ActionDate); err == nil {
		d.LatestActionAt = t
	}
	return d, nil
}

// Committees fetches the committee names a bill is referred to.
func (c *Client) Committees(ctx context.Context, key store.BillKey) ([]string, error) {
	var resp struct {
		Committees []struct {
			Name string `json:"name"`
		} `json:"committees"`
	}
	if err := c.get(ctx, c.billPath(key)+"/committees", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Committees))
	for _, cm := range resp.Committees {
		names = append(names, cm.Name)
	}
	return names, nil
}

// Cosponsors fetches the cosponsor names of a bill.
func (c *Client) Cosponsors(ctx context.Context, key store.BillKey) ([]string, error) {
	var resp struct {
		Cosponsors []struct {
			FullName string `json:"fullName"`
		} `json:"cosponsors"`
	}
	if err := c.get(ctx, c.billPath(key)+"/cosponsors", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Cosponsors))
	for _, cs := range resp.Cosponsors {
		names = append(names, cs.FullName)
	}
	return names, nil
}

// LatestSummary fetches the most recently updated summary text, stripped of markup.
func (c *Client) LatestSummary(ctx context.Context, key store.BillKey) (string, error) {
	var resp struct {
		Summaries []struct {
			UpdateDate string `json:"updateDate"`
			Text       string `json:"text"`
		} `json:"summaries"`
	}
	if err := c.get(ctx, c.billPath(key)+"/summaries", nil, &resp); err != nil {
		return "", err
	}
	latest := ""
	latestDate := ""
	for _, s := range resp.Summaries {
		if s.UpdateDate >= latestDate {
			latestDate = s.UpdateDate
			latest = s.Text
		}
	}
	return stripTags(latest), nil
}

func (c *Client) billPath(key store.BillKey) string {
	return fmt.Sprintf("/bill/%d/%s/%d", key.Congress, strings.ToLower(key.Type), key.Number)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("format", "json")
	params.Set("api_key", c.apiKey)

	reqURL := fmt.Sprintf("%s%s?%s", c.endpoint, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("congress request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("congress api %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode congress response %s: %w", path, err)
	}
	return nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}
