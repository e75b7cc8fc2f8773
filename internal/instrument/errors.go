package instrument

import (
	"fmt"
	"strings"

	"github.com/skobkin/surveylink/internal/link"
)

// CommandError reports a failed or timed-out command together with the transport it was
// sent over and the lines received just before the failure.
type CommandError struct {
	Command  string
	Protocol link.Protocol
	Recent   []string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q over %s failed: %v", e.Command, e.Protocol.DisplayName(), e.Err)
	if len(e.Recent) > 0 {
		fmt.Fprintf(&b, "; recent lines: %s", strings.Join(e.Recent, " | "))
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
