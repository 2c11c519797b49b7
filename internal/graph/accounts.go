package graph

import (
	"context"
	"fmt"
	"net/url"
)

// ListAccounts fetches an account listing edge (me/accounts, me/adaccounts),
// following pagination until exhausted. Used by the discovery sync actions.
func (c *Client) ListAccounts(ctx context.Context, apiVersion, urlPath, fields, token string) ([]map[string]any, error) {
	params := url.Values{}
	if fields != "" {
		params.Set("fields", fields)
	}
	params.Set("access_token", token)

	var all []map[string]any
	path := apiVersion + "/" + urlPath

	for path != "" {
		resp, err := c.Get(ctx, path, params)
		if err != nil {
			return nil, fmt.Errorf("list accounts %s: %w", urlPath, err)
		}
		if resp == nil {
			break
		}

		data, ok := resp["data"].([]any)
		if !ok {
			break
		}
		for _, item := range data {
			if m, ok := item.(map[string]any); ok {
				all = append(all, m)
			}
		}

		path = nextPagePath(resp)
		// The next link is absolute and self-contained; params were already
		// baked into it.
		params = nil
	}

	return all, nil
}

// nextPagePath extracts paging.next from a listing response, stripped down to
// a path+query the client can re-issue against its own base URL.
func nextPagePath(resp map[string]any) string {
	paging, ok := resp["paging"].(map[string]any)
	if !ok {
		return ""
	}
	next, _ := paging["next"].(string)
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// DebugToken introspects a token using the app credentials. The result
// contains scopes, expiry and the owning app; callers log only derived facts,
// never the token itself.
func (c *Client) DebugToken(ctx context.Context, apiVersion, token, appKey, appSecret string) (map[string]any, error) {
	params := url.Values{}
	params.Set("input_token", token)
	params.Set("access_token", appKey+"|"+appSecret)
	return c.Get(ctx, apiVersion+"/debug_token", params)
}
