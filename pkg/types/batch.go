package types

// BatchError is one failed item of a sweep; the batch keeps going.
type BatchError struct {
	UserID string `json:"user_id,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error"`
}

// BatchResult summarizes a batch sweep. Batch operations never abort on a
// single item: failures are collected here and returned, not raised.
type BatchResult struct {
	Processed int          `json:"processed"`
	Errors    []BatchError `json:"errors"`
}

func (r *BatchResult) AddError(userID, id string, err error) {
	r.Errors = append(r.Errors, BatchError{UserID: userID, ID: id, Error: err.Error()})
}
