// Package sms relays outgoing SMS events to an HTTP gateway described by a
// JSON request template.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Placeholders substituted in template parameters.
const (
	RecipientsPlaceholder = "$recipients"
	MessagePlaceholder    = "$message"
)

// Template describes how to call the gateway and how to recognise success.
type Template struct {
	Outgoing Outgoing `json:"outgoing"`
}

type Outgoing struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

type Request struct {
	Method              string            `json:"method"`
	URLPath             string            `json:"urlPath"`
	QueryParameters     map[string]string `json:"queryParameters"`
	BodyParameters      map[string]string `json:"bodyParameters"`
	Headers             map[string]string `json:"headers"`
	RecipientsSeparator string            `json:"recipientsSeparator"`
}

type Response struct {
	// SuccessStatus zero accepts any 2xx status.
	SuccessStatus int `json:"successStatus"`
	// SuccessResponse, when set, must appear in the response body.
	SuccessResponse string `json:"successResponse"`
}

func (t *Template) Validate() error {
	if strings.TrimSpace(t.Outgoing.Request.URLPath) == "" {
		return fmt.Errorf("sms template: outgoing.request.urlPath is required")
	}
	switch strings.ToUpper(t.Outgoing.Request.Method) {
	case "":
		t.Outgoing.Request.Method = http.MethodGet
	case http.MethodGet, http.MethodPost:
		t.Outgoing.Request.Method = strings.ToUpper(t.Outgoing.Request.Method)
	default:
		return fmt.Errorf("sms template: unsupported method %q", t.Outgoing.Request.Method)
	}
	return nil
}

// BuildRequest renders the gateway request for one message. GET requests
// ignore body parameters; POST sends them form encoded.
func (t *Template) BuildRequest(ctx context.Context, recipients []string, message string) (*http.Request, error) {
	req := t.Outgoing.Request
	separator := req.RecipientsSeparator
	if separator == "" {
		separator = ","
	}
	replacer := strings.NewReplacer(
		RecipientsPlaceholder, strings.Join(recipients, separator),
		MessagePlaceholder, message,
	)

	target, err := url.Parse(req.URLPath)
	if err != nil {
		return nil, fmt.Errorf("sms template url: %w", err)
	}
	query := target.Query()
	for k, v := range req.QueryParameters {
		query.Set(k, replacer.Replace(v))
	}
	target.RawQuery = query.Encode()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var httpReq *http.Request
	if method == http.MethodPost {
		form := url.Values{}
		for k, v := range req.BodyParameters {
			form.Set(k, replacer.Replace(v))
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(form.Encode()))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build sms request: %w", err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, replacer.Replace(v))
	}
	return httpReq, nil
}

// IsSuccess reports whether a gateway response means the message was taken.
func (t *Template) IsSuccess(status int, body string) bool {
	resp := t.Outgoing.Response
	if resp.SuccessStatus != 0 {
		if status != resp.SuccessStatus {
			return false
		}
	} else if status < 200 || status >= 300 {
		return false
	}
	if resp.SuccessResponse != "" && !strings.Contains(body, resp.SuccessResponse) {
		return false
	}
	return true
}
