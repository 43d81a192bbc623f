// Package crashlog turns the captured stderr tail of a failed engine run into
// a typed error.
package crashlog

import (
	"fmt"
	"strings"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
)

const (
	nlmStartMarker  = "License checkout failed"
	nlmEndMarker    = "Diagnostic Information"
	mhlmStartMarker = "License Manager Error"
)

// Classify returns the error best describing lines, trying the pattern for
// the active licensing mode before falling back to a generic engine error.
// It returns nil when there are no lines.
func Classify(lines []string, info licensing.Info) *apperror.Error {
	if len(lines) == 0 {
		return nil
	}

	var matched *apperror.Error
	switch v := info.(type) {
	case licensing.NLM:
		matched = networkLicensingError(lines, v.ConnStr)
	case *licensing.MHLM:
		matched = onlineLicensingError(lines)
	case nil:
	}
	if matched != nil {
		return matched
	}

	return apperror.New(apperror.KindEngine,
		"MATLAB returned an unexpected error. For more details, see the log below.").WithLogs(lines)
}

// networkLicensingError captures from the checkout failure line up to, not
// including, the diagnostic line. Both markers must be present in order.
func networkLicensingError(lines []string, connStr string) *apperror.Error {
	var window []string
	started := false
	for _, line := range lines {
		if !started {
			if strings.Contains(line, nlmStartMarker) {
				started = true
				window = append(window, line)
			}
			continue
		}
		if strings.Contains(line, nlmEndMarker) {
			msg := fmt.Sprintf("License checkout from %s failed. For more details, see %s.", connStr, licensing.URL)
			return apperror.New(apperror.KindNetworkLicensing, msg).WithLogs(window)
		}
		window = append(window, line)
	}
	return nil
}

// onlineLicensingError captures from the last license manager error line to the end.
func onlineLicensingError(lines []string) *apperror.Error {
	start := -1
	for i, line := range lines {
		if strings.Contains(line, mhlmStartMarker) {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	msg := fmt.Sprintf("Usage of MathWorks Online Licensing failed. For more details, see %s.", licensing.URL)
	return apperror.New(apperror.KindOnlineLicensing, msg).WithLogs(lines[start:])
}
