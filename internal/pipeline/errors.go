package pipeline

import "fmt"

// ExtractionError marks a lookup that failed while isolating or parsing an
// embedded document. Raw carries the offending source text so the caller can
// persist it for offline diagnosis.
type ExtractionError struct {
	Err error
	Raw []byte
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract embedded document: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
