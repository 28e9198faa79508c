package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Use it for internal invariants of the journal and storage code (a framed entry whose length does not
// match what was reserved, a page frame of the wrong size). Conditions that can reasonably happen, such as
// a damaged journal file or a failed write, are returned as errors instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
