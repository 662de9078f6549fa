package http

import "smrcore/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status       `json:"status,omitempty"`
	Reply  *types.Reply `json:"reply,omitempty"`
	Error  string       `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewReplyResponse(r types.Reply) Response {
	return Response{Status: StatusSuccess, Reply: &r}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
