package llm

import (
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

// StatusError is a vendor error normalized to a status code and the vendor's
// own message, without request details or credentials.
type StatusError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *StatusError) Error() string {
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status reported by the vendor.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// normalizeError converts vendor SDK errors into *StatusError. Other errors
// are returned unchanged.
func normalizeError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return &StatusError{Provider: provider, Status: oaiErr.HTTPStatusCode, Message: oaiErr.Message, Err: err}
	}
	var oaiReqErr *openai.RequestError
	if errors.As(err, &oaiReqErr) {
		msg := oaiReqErr.HTTPStatus
		if oaiReqErr.Err != nil {
			msg = oaiReqErr.Err.Error()
		}
		return &StatusError{Provider: provider, Status: oaiReqErr.HTTPStatusCode, Message: msg, Err: err}
	}

	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		msg := gjson.Get(antErr.RawJSON(), "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(antErr.Error())
		}
		return &StatusError{Provider: provider, Status: antErr.StatusCode, Message: msg, Err: err}
	}

	var genErr genai.APIError
	if errors.As(err, &genErr) {
		return &StatusError{Provider: provider, Status: genErr.Code, Message: genErr.Message, Err: err}
	}
	var genErrPtr *genai.APIError
	if errors.As(err, &genErrPtr) && genErrPtr != nil {
		return &StatusError{Provider: provider, Status: genErrPtr.Code, Message: genErrPtr.Message, Err: err}
	}

	return err
}
