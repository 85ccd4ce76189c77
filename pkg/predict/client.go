// Package predict invokes deployed endpoints.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/sagemakerruntime/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/types"
)

const ContentTypeJSON = "application/json"

type InvokeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

type Client struct {
	API InvokeAPI
}

func NewClient(api InvokeAPI) *Client {
	return &Client{API: api}
}

// Predict sends one request and decodes the generated text list.
func (c *Client) Predict(ctx context.Context, endpoint string, req types.PredictRequest) (types.PredictResponse, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("endpoint", endpoint)
	if req.Inputs == "" {
		return nil, smerrors.NewParameterInvalidError("inputs must not be empty")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("invoking endpoint", "payload", string(payload))
	body, _, err := c.InvokeRaw(ctx, endpoint, ContentTypeJSON, payload)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(body)
}

// InvokeRaw passes body to the endpoint as is and returns the response body and content type.
func (c *Client) InvokeRaw(ctx context.Context, endpoint string, contentType string, body []byte) ([]byte, string, error) {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	out, err := c.API.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpoint),
		ContentType:  aws.String(contentType),
		Accept:       aws.String(ContentTypeJSON),
		Body:         body,
	})
	if err != nil {
		return nil, "", convertInvokeError(endpoint, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// DecodeResponse accepts the list the handler returns, and a bare object for compatibility.
// Every element must carry a generated_text string.
func DecodeResponse(body []byte) (types.PredictResponse, error) {
	items := []map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &items); err != nil {
		single := map[string]json.RawMessage{}
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("decode prediction %q: %w", truncate(string(body), 256), err)
		}
		items = append(items, single)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("decode prediction %q: no generated text", truncate(string(body), 256))
	}
	resp := make(types.PredictResponse, 0, len(items))
	for _, item := range items {
		raw, ok := item["generated_text"]
		if !ok {
			return nil, fmt.Errorf("decode prediction %q: missing generated_text", truncate(string(body), 256))
		}
		var text any
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		generated, ok := text.(string)
		if !ok {
			return nil, fmt.Errorf("decode prediction %q: generated_text is not a string", truncate(string(body), 256))
		}
		resp = append(resp, types.Prediction{GeneratedText: generated})
	}
	return resp, nil
}

func convertInvokeError(endpoint string, err error) error {
	var modelerr *rttypes.ModelError
	if errors.As(err, &modelerr) {
		status := int(aws.ToInt32(modelerr.OriginalStatusCode))
		if status == 0 {
			status = http.StatusBadGateway
		}
		return smerrors.ErrorInfo{
			HttpStatus: status,
			Code:       smerrors.ErrCodeUnknow,
			Message:    fmt.Sprintf("endpoint %s: model error", endpoint),
			Detail:     aws.ToString(modelerr.OriginalMessage),
		}
	}
	var apierr smithy.APIError
	if errors.As(err, &apierr) && apierr.ErrorCode() == "ValidationException" &&
		strings.Contains(apierr.ErrorMessage(), "not found") {
		return smerrors.NewEndpointUnknownError(endpoint)
	}
	return fmt.Errorf("invoke endpoint %s: %w", endpoint, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
