package licensing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// record is the persisted shape of a licensing Info.
type record struct {
	Type          string `json:"type"`
	ConnStr       string `json:"conn_str,omitempty"`
	IdentityToken string `json:"identity_token,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	Expiry        string `json:"expiry,omitempty"`
	EmailAddr     string `json:"email_addr,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	EntitlementID string `json:"entitlement_id,omitempty"`
}

// Store persists licensing to a per-user JSON config file under the
// "licensing" key. Other keys in the file are preserved on save.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) readConfig() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	config := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return config, nil
}

// Load returns the persisted licensing, or nil if there is none.
func (s *Store) Load() (Info, error) {
	config, err := s.readConfig()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := config["licensing"]
	if !ok || string(raw) == "null" {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse licensing record: %w", err)
	}
	switch rec.Type {
	case "nlm":
		if rec.ConnStr == "" {
			return nil, fmt.Errorf("nlm licensing record has no conn_str")
		}
		return NLM{ConnStr: rec.ConnStr}, nil
	case "mhlm":
		return &MHLM{
			IdentityToken: rec.IdentityToken,
			SourceID:      rec.SourceID,
			Expiry:        rec.Expiry,
			EmailAddr:     rec.EmailAddr,
			FirstName:     rec.FirstName,
			LastName:      rec.LastName,
			DisplayName:   rec.DisplayName,
			UserID:        rec.UserID,
			ProfileID:     rec.ProfileID,
			EntitlementID: rec.EntitlementID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown licensing type %q", rec.Type)
	}
}

// Save writes info to the config file, creating parent directories as needed.
// Saving nil removes the licensing key.
func (s *Store) Save(info Info) error {
	config, err := s.readConfig()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		config = make(map[string]json.RawMessage)
	}

	var rec *record
	switch v := info.(type) {
	case nil:
	case NLM:
		rec = &record{Type: "nlm", ConnStr: v.ConnStr}
	case *MHLM:
		rec = &record{
			Type:          "mhlm",
			IdentityToken: v.IdentityToken,
			SourceID:      v.SourceID,
			Expiry:        v.Expiry,
			EmailAddr:     v.EmailAddr,
			FirstName:     v.FirstName,
			LastName:      v.LastName,
			DisplayName:   v.DisplayName,
			UserID:        v.UserID,
			ProfileID:     v.ProfileID,
			EntitlementID: v.EntitlementID,
		}
	}

	if rec == nil {
		delete(config, "licensing")
	} else {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		config["licensing"] = raw
	}

	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Delete removes the config file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
