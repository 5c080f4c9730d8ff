package handlers

import (
	"github.com/forgecloud/billing/internal/app/service/webhookproc"
	"github.com/forgecloud/billing/pkg/response"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespWebhookResult wraps the webhook processing result in the standard envelope.
type RespWebhookResult struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    webhookproc.Result       `json:"data"`
}
