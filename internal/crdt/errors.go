package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidIndex    = errors.New("invalid index")
	ErrInvalidEdit     = errors.New("invalid edit")
	ErrUnsupportedData = errors.New("unsupported state schema version")
	ErrMalformedState  = errors.New("malformed state")
)

// CausalGapError reports operations that reference dependencies this replica
// has not seen. The operations are buffered, not applied.
type CausalGapError struct {
	Ops     []OpID
	Missing []OpID
}

func (e *CausalGapError) Error() string {
	missing := make([]string, 0, len(e.Missing))
	for _, id := range e.Missing {
		missing = append(missing, id.String())
	}

	return fmt.Sprintf("causal gap: %d operation(s) waiting on [%s]", len(e.Ops), strings.Join(missing, ", "))
}
