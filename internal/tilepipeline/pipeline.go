package tilepipeline

import (
	"context"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/httpclient"
	"github.com/MeKo-Tech/osgcore/internal/transport"
)

// Pipeline fetches image tiles from a URL template, deduping concurrent
// requests for the same Key through a Keygate.
type Pipeline struct {
	client      *httpclient.Client
	urlTemplate string
	policy      cachebin.Policy
	gate        *Keygate
}

// New constructs a Pipeline that renders tile URLs from template (which
// must contain at least one of {z}/{x}/{y}/{-y}) and reads them through
// client under policy.
func New(client *httpclient.Client, urlTemplate string, policy cachebin.Policy) *Pipeline {
	return &Pipeline{
		client:      client,
		urlTemplate: urlTemplate,
		policy:      policy,
		gate:        NewKeygate(),
	}
}

// Fetch resolves key to a URL and reads it through the keygate: at most
// one network call to the underlying transport is issued per key, even
// under concurrent callers.
func (p *Pipeline) Fetch(ctx context.Context, key Key, progress transport.ProgressCallback) (httpclient.ReadResult, error) {
	out, err := p.gate.Do(key, func() (any, error) {
		url := RenderURLTemplate(p.urlTemplate, key)
		res := p.client.ReadImage(ctx, url, p.policy, progress)
		return res, nil
	})
	if err != nil {
		return httpclient.ReadResult{}, err
	}
	return out.(httpclient.ReadResult), nil
}
