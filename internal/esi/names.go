package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// nameChunkSize bounds one /universe/names/ request; the endpoint rejects
// larger batches.
const nameChunkSize = 1000

// UniverseName is one resolved ID from the batched name endpoint.
type UniverseName struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// UniverseNames resolves arbitrary IDs to display names through the batched
// POST endpoint, chunking at the upstream limit.
func (c *Client) UniverseNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for start := 0; start < len(ids); start += nameChunkSize {
		end := start + nameChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		body, err := json.Marshal(ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("encoding name batch: %w", err)
		}
		respBody, _, err := c.do(ctx, http.MethodPost, "/universe/names/", nil, body, requestOpts{})
		if err != nil {
			return nil, fmt.Errorf("resolving names: %w", err)
		}
		var names []UniverseName
		if err := json.Unmarshal(respBody, &names); err != nil {
			return nil, fmt.Errorf("decoding name batch: %w", err)
		}
		for _, n := range names {
			out[n.ID] = n.Name
		}
	}
	return out, nil
}
