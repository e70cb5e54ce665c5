package activecampaign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sellforgehq/sellforge-backend/pkg/config"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

var (
	errAPIKeyRequired  = errors.New("activecampaign api key is required")
	errBaseURLRequired = errors.New("activecampaign account base url is required")
)

// Client wraps the ActiveCampaign v3 API. Unlike SendInBlue the base
// URL is per-account, so it has no default.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
	validate   *validator.Validate
}

func NewClient(cfg config.ActiveCampaignConfig, logg *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errAPIKeyRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		logger:     logg,
		validate:   validator.New(),
	}, nil
}

// SubscribeInput adds a contact to a list, syncing the contact first.
type SubscribeInput struct {
	Email     string `validate:"required,email"`
	FirstName string
	LastName  string
	ListID    int64 `validate:"required,gt=0"`
}

type contactPayload struct {
	Contact struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName,omitempty"`
		LastName  string `json:"lastName,omitempty"`
	} `json:"contact"`
}

type contactResponse struct {
	Contact struct {
		ID string `json:"id"`
	} `json:"contact"`
}

type contactListPayload struct {
	ContactList struct {
		List    string `json:"list"`
		Contact string `json:"contact"`
		Status  string `json:"status"`
	} `json:"contactList"`
}

// Subscribe syncs the contact then sets its list membership to active.
func (c *Client) Subscribe(ctx context.Context, in SubscribeInput) error {
	if err := c.validate.Struct(in); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validate activecampaign contact")
	}

	var sync contactPayload
	sync.Contact.Email = strings.ToLower(strings.TrimSpace(in.Email))
	sync.Contact.FirstName = in.FirstName
	sync.Contact.LastName = in.LastName

	var created contactResponse
	if err := c.post(ctx, "/api/3/contact/sync", sync, &created); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "activecampaign contact sync failed", err)
		}
		return err
	}

	var membership contactListPayload
	membership.ContactList.List = strconv.FormatInt(in.ListID, 10)
	membership.ContactList.Contact = created.Contact.ID
	membership.ContactList.Status = "1"

	if err := c.post(ctx, "/api/3/contactLists", membership, nil); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "activecampaign list subscribe failed", err)
		}
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode activecampaign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build activecampaign request")
	}
	req.Header.Set("Api-Token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "POST "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapAPIError(resp, "POST "+path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode activecampaign response")
	}
	return nil
}

type apiErrors struct {
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

func mapAPIError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body apiErrors
	_ = json.Unmarshal(raw, &body)
	message := strings.TrimSpace(string(raw))
	if len(body.Errors) > 0 {
		message = body.Errors[0].Title
	}

	code := pkgerrors.CodeDependency
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = pkgerrors.CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		code = pkgerrors.CodeUnauthorized
	case http.StatusNotFound:
		code = pkgerrors.CodeNotFound
	case http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimit
	}
	return pkgerrors.New(code, fmt.Sprintf("%s: activecampaign (%d): %s", op, resp.StatusCode, message))
}
