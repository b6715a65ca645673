package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	extErrors "github.com/pkg/errors"
)

// Client is a thin typed wrapper over the CRM's REST API. It owns no
// state; every call is a remote RPC.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient returns a CRM API client scoped to the given API token
func NewClient(baseURL, apiToken string) (*Client, error) {
	if len(baseURL) == 0 {
		return nil, fmt.Errorf("empty baseURL is invalid")
	}
	if len(apiToken) == 0 {
		return nil, fmt.Errorf("empty apiToken is invalid")
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return extErrors.Wrap(err, "Cannot build CRM request URL")
	}
	q := u.Query()
	q.Set("api_token", c.apiToken)
	u.RawQuery = q.Encode()

	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return extErrors.Wrap(err, "Cannot encode CRM request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return extErrors.Wrap(err, "Cannot build CRM request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return extErrors.Wrap(err, "CRM request failed")
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return extErrors.Wrap(err, "Cannot decode CRM response")
	}
	if resp.StatusCode >= 400 || !env.Success {
		return fmt.Errorf("CRM returned status %d: %s", resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return extErrors.Wrap(err, "Cannot decode CRM response data")
		}
	}
	return nil
}

// GetDeal fetches a deal by id
func (c *Client) GetDeal(ctx context.Context, id int64) (*Deal, error) {
	var deal Deal
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/deals/%d", id), nil, &deal); err != nil {
		return nil, err
	}
	return &deal, nil
}

// GetOrganization fetches an organization by id
func (c *Client) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	var org Organization
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizations/%d", id), nil, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// GetPerson fetches a person by id
func (c *Client) GetPerson(ctx context.Context, id int64) (*Person, error) {
	var person Person
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/persons/%d", id), nil, &person); err != nil {
		return nil, err
	}
	return &person, nil
}

// GetUser fetches a CRM user by id
func (c *Client) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListDealFields fetches the custom field schema for deals
func (c *Client) ListDealFields(ctx context.Context) ([]DealField, error) {
	fields := make([]DealField, 0, 16)
	if err := c.do(ctx, http.MethodGet, "/dealFields", nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// UpdateDeal patches the given fields on a deal. Keys are custom field
// keys; the CRM applies the patch partially, untouched fields keep their
// values.
func (c *Client) UpdateDeal(ctx context.Context, id int64, fields map[string]string) error {
	body := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		body[k] = v
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/deals/%d", id), body, nil)
}
