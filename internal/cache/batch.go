package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/appshell/internal/fetch"
)

// AddAll 并发抓取全部请求，只有在每个响应都为 2xx 且非 opaque 时才整体写入。
// 写入阶段若有失败，已写入的条目会被回滚，尽量维持 all-or-nothing 语义。
func AddAll(ctx context.Context, store Store, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	if store == nil || fetcher == nil {
		return errors.New("store and fetcher required")
	}

	keys := make([]RequestKey, len(reqs))
	seen := make(map[RequestKey]struct{}, len(reqs))
	for i, req := range reqs {
		key := KeyFor(req)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate request in batch: %s", key)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}

	responses := make([]*fetch.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			responses[i] = resp
			if resp == nil {
				return fmt.Errorf("fetch %s: empty response", req)
			}
			if !resp.OK() || resp.Type == fetch.TypeOpaque || resp.Type == fetch.TypeError {
				return fmt.Errorf("fetch %s: unusable response (status=%d type=%s)", req, resp.Status, resp.Type)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(responses)
		return err
	}

	for i, resp := range responses {
		if err := store.Put(ctx, keys[i], resp); err != nil {
			closeAll(responses[i+1:])
			rollback(context.WithoutCancel(ctx), store, keys[:i])
			return fmt.Errorf("store %s: %w", keys[i], err)
		}
	}
	return nil
}

func closeAll(responses []*fetch.Response) {
	for _, resp := range responses {
		if resp != nil {
			resp.Close()
		}
	}
}

func rollback(ctx context.Context, store Store, keys []RequestKey) {
	for _, key := range keys {
		_, _ = store.Delete(ctx, key)
	}
}
