package sendinblue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sellforgehq/sellforge-backend/pkg/config"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

var errAPIKeyRequired = errors.New("sendinblue api key is required")

// Client is a thin wrapper over the SendInBlue contacts API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
	validate   *validator.Validate
}

func NewClient(cfg config.SendInBlueConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errAPIKeyRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.sendinblue.com/v3"
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

// UpsertContactInput subscribes an email to a list, creating or
// updating the contact.
type UpsertContactInput struct {
	Email     string `validate:"required,email"`
	FirstName string
	LastName  string
	ListID    int64 `validate:"required,gt=0"`
}

type upsertContactRequest struct {
	Email         string         `json:"email"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	ListIDs       []int64        `json:"listIds"`
	UpdateEnabled bool           `json:"updateEnabled"`
}

// UpsertContact creates the contact if new and merges attributes if it
// already exists.
func (c *Client) UpsertContact(ctx context.Context, in UpsertContactInput) error {
	if err := c.validate.Struct(in); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validate sendinblue contact")
	}

	body := upsertContactRequest{
		Email:         strings.ToLower(strings.TrimSpace(in.Email)),
		ListIDs:       []int64{in.ListID},
		UpdateEnabled: true,
	}
	if in.FirstName != "" || in.LastName != "" {
		body.Attributes = map[string]any{}
		if in.FirstName != "" {
			body.Attributes["FIRSTNAME"] = in.FirstName
		}
		if in.LastName != "" {
			body.Attributes["LASTNAME"] = in.LastName
		}
	}

	if err := c.post(ctx, "/contacts", body); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "sendinblue contact upsert failed", err)
		}
		return err
	}
	return nil
}

// SendTemplateEmailInput fires a transactional email by template id.
type SendTemplateEmailInput struct {
	To         string `validate:"required,email"`
	TemplateID int64  `validate:"required,gt=0"`
	Params     map[string]any
}

type sendTemplateEmailRequest struct {
	To []struct {
		Email string `json:"email"`
	} `json:"to"`
	TemplateID int64          `json:"templateId"`
	Params     map[string]any `json:"params,omitempty"`
}

// SendTemplateEmail sends a transactional email. Callers treat this as
// fire-and-forget; a failure never aborts the surrounding handler.
func (c *Client) SendTemplateEmail(ctx context.Context, in SendTemplateEmailInput) error {
	if err := c.validate.Struct(in); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validate sendinblue email")
	}

	body := sendTemplateEmailRequest{TemplateID: in.TemplateID, Params: in.Params}
	body.To = append(body.To, struct {
		Email string `json:"email"`
	}{Email: strings.ToLower(strings.TrimSpace(in.To))})

	if err := c.post(ctx, "/smtp/email", body); err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "sendinblue template email failed", err)
		}
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode sendinblue request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build sendinblue request")
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "POST "+path)
	}
	defer resp.Body.Close()

	// 204 means the contact already existed and was updated in place.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return mapAPIError(resp, "POST "+path)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapAPIError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body apiError
	_ = json.Unmarshal(raw, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	code := pkgerrors.CodeDependency
	switch resp.StatusCode {
	case http.StatusBadRequest:
		code = pkgerrors.CodeValidation
	case http.StatusUnauthorized:
		code = pkgerrors.CodeUnauthorized
	case http.StatusNotFound:
		code = pkgerrors.CodeNotFound
	case http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimit
	}
	return pkgerrors.New(code, fmt.Sprintf("%s: sendinblue %s (%d): %s", op, body.Code, resp.StatusCode, message))
}
