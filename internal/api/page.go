package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dgnsrekt/scores-ws/internal/score"
)

// PageRequest selects which page of the score feed to fetch.
// CursorString takes precedence over CursorID.
type PageRequest struct {
	CursorString string
	CursorID     uint64
}

// Page is one decoded response of the score feed, in upstream order.
type Page struct {
	Entries      []score.Entry
	CursorString string
}

type pageResponse struct {
	Scores       []json.RawMessage `json:"scores"`
	CursorString *string           `json:"cursor_string"`
}

func decodePage(body []byte) (*Page, error) {
	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	page := &Page{Entries: make([]score.Entry, 0, len(resp.Scores))}
	if resp.CursorString != nil {
		page.CursorString = *resp.CursorString
	}

	for i, raw := range resp.Scores {
		e, err := score.FromRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("score %d: %w", i, err)
		}
		page.Entries = append(page.Entries, e)
	}

	return page, nil
}

func (c *HTTPClient) pageURL(req PageRequest) string {
	q := url.Values{}
	if c.ruleset != "" {
		q.Set("ruleset", c.ruleset)
	}
	switch {
	case req.CursorString != "":
		q.Set("cursor_string", req.CursorString)
	case req.CursorID > 0:
		q.Set("cursor[id]", strconv.FormatUint(req.CursorID, 10))
	}

	u := c.baseURL + "/scores"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
