package licensing

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

var serverPattern = regexp.MustCompile(`^[0-9]+@[\w.\-]+$`)

// ValidateConnStr checks that connStr is either port@host, a redundant
// triad port@host,port@host,port@host, or the path of a readable license file.
func ValidateConnStr(connStr string) error {
	if isServerSpec(connStr) {
		return nil
	}
	if st, err := os.Stat(connStr); err == nil && st.Mode().IsRegular() {
		f, err := os.Open(connStr)
		if err == nil {
			f.Close()
			return nil
		}
	}
	return apperror.New(apperror.KindNetworkLicensing, fmt.Sprintf(
		"MLM_LICENSE_FILE validation failed for %s. It must be of the form port@hostname "+
			"or the path to a valid license file.", connStr))
}

func isServerSpec(connStr string) bool {
	parts := strings.Split(connStr, ",")
	if len(parts) != 1 && len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if !serverPattern.MatchString(p) {
			return false
		}
	}
	return true
}
