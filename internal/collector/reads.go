package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/valyala/fasthttp"

	"github.com/tinytelemetry/lookout/internal/model"
)

func (c *Client) GetAll(ctx context.Context) ([]model.Record, error) {
	return c.getList(ctx, fasthttp.MethodGet, c.cfg.Endpoint, nil)
}

func (c *Client) GetByID(ctx context.Context, id string) (*model.Record, error) {
	if id == "" {
		return nil, nil
	}
	status, body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.Endpoint+"/show/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("collector: show %s: %w", id, err)
	}
	if status == fasthttp.StatusNotFound {
		return nil, nil
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("collector: show %s: status %d", id, status)
	}
	var r model.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("collector: decode record: %w", err)
	}
	if r.ID == "" {
		return nil, nil
	}
	return &r, nil
}

func (c *Client) GetByType(ctx context.Context, t model.EntryType) ([]model.Record, error) {
	return c.getList(ctx, fasthttp.MethodGet, c.cfg.Endpoint+"/type/"+url.PathEscape(string(t)), nil)
}

// GetByTags posts the tag set to <endpoint>/tags.
func (c *Client) GetByTags(ctx context.Context, tags []string) ([]model.Record, error) {
	if len(tags) == 0 {
		return []model.Record{}, nil
	}
	body, err := json.Marshal(map[string][]string{"tags": tags})
	if err != nil {
		return nil, err
	}
	return c.getList(ctx, fasthttp.MethodPost, c.cfg.Endpoint+"/tags", body)
}

func (c *Client) GetByBatch(ctx context.Context, batchID string) ([]model.Record, error) {
	return c.getList(ctx, fasthttp.MethodGet, c.cfg.Endpoint+"/batch/"+url.PathEscape(batchID), nil)
}

func (c *Client) GetPeriod(ctx context.Context, p model.Period) ([]model.Record, error) {
	return c.getList(ctx, fasthttp.MethodGet, c.cfg.Endpoint+"/period/"+url.PathEscape(string(p)), nil)
}

func (c *Client) getList(ctx context.Context, method, uri string, body []byte) ([]model.Record, error) {
	status, resp, err := c.do(ctx, method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("collector: %s %s: %w", method, uri, err)
	}
	if status == fasthttp.StatusNotFound {
		return []model.Record{}, nil
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("collector: %s %s: status %d", method, uri, status)
	}
	records := []model.Record{}
	if err := json.Unmarshal(resp, &records); err != nil {
		return nil, fmt.Errorf("collector: decode records: %w", err)
	}
	return records, nil
}
