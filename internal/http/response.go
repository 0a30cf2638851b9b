package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Machine-readable error codes, stable across releases. Clients branch on
// Code, not on the human-readable Error text.
const (
	CodeNotLeader         = "not_leader"
	CodeUnavailable       = "unavailable"
	CodeStorageCorruption = "storage_corruption"
	CodeResourceExhausted = "resource_exhausted"
	CodeInvalidArgument   = "invalid_argument"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// Response represents the standard API response format.
type Response struct {
	Status    Status `json:"status,omitempty"`
	ID        uint64 `json:"id,omitempty"`
	Value     uint64 `json:"value,omitempty"`
	Term      uint64 `json:"term,omitempty"`
	Owner     uint64 `json:"owner,omitempty"`
	Code      string `json:"code,omitempty"`
	OwnerHint string `json:"owner_hint,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewIDResponse(id uint64) Response {
	return Response{Status: StatusSuccess, ID: id}
}

func NewValueResponse(value uint64) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewCounterResponse(value, term, owner uint64) Response {
	return Response{Status: StatusSuccess, Value: value, Term: term, Owner: owner}
}

func NewErrorResponse(code, err string) Response {
	return Response{Status: StatusError, Code: code, Error: err}
}
