package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultHubEndpoint = "https://datasets-server.huggingface.co"
	DefaultHubDataset  = "JeevakrishnaVetrivel/Foods_data"

	hubPageSize = 100
)

// HubClient pages through the rows of a hosted dataset using the
// datasets-server /rows API.
type HubClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHubClient creates a client for endpoint. token may be empty for
// public datasets.
func NewHubClient(endpoint, token string, timeout time.Duration) *HubClient {
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HubClient{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type rowsResponse struct {
	Rows []struct {
		RowIdx int    `json:"row_idx"`
		Row    Record `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

// Rows downloads every row of dataset/config/split.
func (c *HubClient) Rows(ctx context.Context, dataset, config, split string) ([]Record, error) {
	if config == "" {
		config = "default"
	}

	var records []Record
	for offset := 0; ; {
		page, err := c.page(ctx, dataset, config, split, offset)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Rows {
			records = append(records, r.Row)
		}
		offset += len(page.Rows)
		if len(page.Rows) == 0 || offset >= page.NumRowsTotal {
			break
		}
	}

	log.Printf("[Dataset] Loaded %d rows from %s (%s/%s)", len(records), dataset, config, split)
	return records, nil
}

func (c *HubClient) page(ctx context.Context, dataset, config, split string, offset int) (*rowsResponse, error) {
	q := url.Values{}
	q.Set("dataset", dataset)
	q.Set("config", config)
	q.Set("split", split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(hubPageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/rows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows at offset %d: %w", offset, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rows request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var page rowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return &page, nil
}
