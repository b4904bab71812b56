package satellite

import (
	"context"
	"encoding/json"

	"github.com/girosoft/giro-core/internal/protocol"
	syncdomain "github.com/girosoft/giro-core/internal/sync/domain"
)

// Remote adapts the master link to the sync engine.
type Remote struct {
	client *Client
}

func NewRemote(client *Client) *Remote {
	return &Remote{client: client}
}

type pushRequest struct {
	Changes []*syncdomain.PendingChange `json:"changes"`
}

type pushResponse struct {
	Results []syncdomain.PushResult `json:"results"`
}

func (r *Remote) Push(ctx context.Context, changes []*syncdomain.PendingChange) ([]syncdomain.PushResult, error) {
	data, err := r.client.Request(ctx, "sync.push", pushRequest{Changes: changes})
	if err != nil {
		return nil, err
	}
	var resp pushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, protocol.WrapError(protocol.CodeInvalidPayload, "decode push results", err)
	}
	return resp.Results, nil
}

type pullRequest struct {
	EntityKind string `json:"entity_kind"`
	After      int64  `json:"after"`
	Limit      int    `json:"limit"`
}

func (r *Remote) Pull(ctx context.Context, kind string, after int64, limit int) (*syncdomain.PullPage, error) {
	data, err := r.client.Request(ctx, "sync.delta", pullRequest{EntityKind: kind, After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	var page syncdomain.PullPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, protocol.WrapError(protocol.CodeInvalidPayload, "decode pull page", err)
	}
	return &page, nil
}
