package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/theodi/learning-orchestrator-sub000/internal/jobs"
)

const defaultBaseURL = "https://api.hubapi.com"

// Client reads deal-contact associations from the HubSpot CRM API. It is the
// source of "which learners belong to this deal" for the notification queue.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(accessToken string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 15 * time.Second
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
	}
}

// SetBaseURL points the client at a different API host. Test hook.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// ListDealContacts returns the contacts associated with a deal, with their
// email and display name resolved through a batch read.
func (c *Client) ListDealContacts(ctx context.Context, dealID string) ([]jobs.Contact, error) {
	ids, err := c.associatedContactIDs(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []jobs.Contact{}, nil
	}
	return c.readContacts(ctx, ids)
}

func (c *Client) associatedContactIDs(ctx context.Context, dealID string) ([]string, error) {
	url := fmt.Sprintf("%s/crm/v4/objects/deals/%s/associations/contacts?limit=100", c.baseURL, dealID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			ToObjectID json.Number `json:"toObjectId"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse associations response: %w", err)
	}

	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.ToObjectID.String())
	}
	return ids, nil
}

func (c *Client) readContacts(ctx context.Context, ids []string) ([]jobs.Contact, error) {
	type input struct {
		ID string `json:"id"`
	}
	reqBody := struct {
		Properties []string `json:"properties"`
		Inputs     []input  `json:"inputs"`
	}{
		Properties: []string{"email", "firstname", "lastname"},
	}
	for _, id := range ids {
		reqBody.Inputs = append(reqBody.Inputs, input{ID: id})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch read request: %w", err)
	}

	url := c.baseURL + "/crm/v3/objects/contacts/batch/read"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Properties struct {
				Email     string `json:"email"`
				FirstName string `json:"firstname"`
				LastName  string `json:"lastname"`
			} `json:"properties"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse batch read response: %w", err)
	}

	contacts := make([]jobs.Contact, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Properties.Email == "" {
			continue
		}
		name := r.Properties.FirstName
		if r.Properties.LastName != "" {
			if name != "" {
				name += " "
			}
			name += r.Properties.LastName
		}
		contacts = append(contacts, jobs.Contact{Email: r.Properties.Email, Name: name})
	}
	return contacts, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hubspot request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read hubspot response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hubspot API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
