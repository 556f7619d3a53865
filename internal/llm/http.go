package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sanad/internal/apperrors"
	httpclient "sanad/pkg/http"
)

// HTTPOracle is the production Oracle: a JSON POST to the inference
// gateway. The gateway multiplexes the configured model names onto real
// providers; from here it is a request→text call.
type HTTPOracle struct {
	client *httpclient.Client
}

// bearerSigner attaches the gateway API key.
type bearerSigner struct {
	apiKey string
}

func (s bearerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	return nil
}

func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		client: httpclient.NewClient(baseURL, timeout, bearerSigner{apiKey: apiKey}),
	}
}

type completionRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	User   string `json:"user"`
}

type completionResponse struct {
	Text string `json:"text"`
}

func (o *HTTPOracle) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	body, err := o.client.Post(ctx, "/v1/complete", completionRequest{
		Model:  model,
		System: systemPrompt,
		User:   userPrompt,
	})
	if err != nil {
		var apiErr *httpclient.APIError
		if asAPIError(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
				return "", fmt.Errorf("%w: inference gateway %d", apperrors.ErrRetryableExternal, apiErr.StatusCode)
			}
			return "", fmt.Errorf("%w: inference gateway %d", apperrors.ErrNonRetryableExternal, apiErr.StatusCode)
		}
		return "", fmt.Errorf("%w: %v", apperrors.ErrRetryableExternal, err)
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: gateway response: %v", apperrors.ErrParseFailure, err)
	}
	return resp.Text, nil
}

func asAPIError(err error, target **httpclient.APIError) bool {
	for err != nil {
		if e, ok := err.(*httpclient.APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
