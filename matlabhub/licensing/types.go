package licensing

// URL is the page describing the licensing options, referenced by user-facing errors.
const URL = "https://github.com/mathworks/jupyter-matlab-proxy/blob/main/MATLAB_Licensing_Info.md"

// Info is the current licensing mode. A nil Info means unlicensed; the
// concrete values are NLM and *MHLM.
type Info interface {
	// Type returns the mode name used on the control API ("NLM" or "MHLM").
	Type() string
	isInfo()
}

// NLM is network license manager licensing via a connection string or license file.
type NLM struct {
	ConnStr string
}

func (NLM) Type() string { return "NLM" }
func (NLM) isInfo()      {}

// Entitlement is a license grant attached to an online account.
type Entitlement struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	LicenseNumber string `json:"license_number"`
}

// MHLM is online token-based licensing. EntitlementID is set only after a
// successful entitlement fetch.
type MHLM struct {
	IdentityToken string
	SourceID      string
	Expiry        string
	EmailAddr     string
	FirstName     string
	LastName      string
	DisplayName   string
	UserID        string
	ProfileID     string
	Entitlements  []Entitlement
	EntitlementID string
}

func (*MHLM) Type() string { return "MHLM" }
func (*MHLM) isInfo()      {}

func (m *MHLM) clone() *MHLM {
	cp := *m
	cp.Entitlements = append([]Entitlement(nil), m.Entitlements...)
	return &cp
}

// Clone returns a deep copy of info so callers can read it without holding locks.
func Clone(info Info) Info {
	switch v := info.(type) {
	case nil:
		return nil
	case NLM:
		return v
	case *MHLM:
		return v.clone()
	default:
		panic("licensing: unknown info type")
	}
}

// Complete reports whether info carries everything the engine needs to check
// out a license.
func Complete(info Info) bool {
	switch v := info.(type) {
	case nil:
		return false
	case NLM:
		return v.ConnStr != ""
	case *MHLM:
		return v.IdentityToken != "" && v.SourceID != "" && v.Expiry != "" && v.EntitlementID != ""
	default:
		return false
	}
}
