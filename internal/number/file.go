package number

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sgallego/callplane/internal/sid"
)

// numberFile is the on-disk shape of one provisioned number.
type numberFile struct {
	Sid             string `json:"sid"`
	AccountSid      string `json:"account_sid"`
	OrganizationSid string `json:"organization_sid,omitempty"`
	PhoneNumber     string `json:"phone_number"`
	Pattern         bool   `json:"pattern,omitempty"`
	PureSIP         bool   `json:"pure_sip,omitempty"`
	VoiceURL        string `json:"voice_url,omitempty"`
	VoiceMethod     string `json:"voice_method,omitempty"`
	ApplicationSid  string `json:"application_sid,omitempty"`
}

// LoadFile reads a provisioned-numbers JSON file into a MemoryStore.
// Missing identifiers are minted, so hand-written files only need the
// phone numbers.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read numbers file: %w", err)
	}
	var entries []numberFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse numbers file %s: %w", path, err)
	}

	store := NewMemoryStore()
	for i, e := range entries {
		if e.PhoneNumber == "" {
			return nil, fmt.Errorf("numbers file %s: entry %d has no phone_number", path, i)
		}
		n := &IncomingPhoneNumber{
			PhoneNumber: e.PhoneNumber,
			Pattern:     e.Pattern,
			PureSIP:     e.PureSIP,
			VoiceURL:    e.VoiceURL,
			VoiceMethod: e.VoiceMethod,
		}
		n.Sid, err = parseOrMint(e.Sid, sid.TypePhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("numbers file %s: entry %d: %w", path, i, err)
		}
		n.AccountSid, err = parseOrMint(e.AccountSid, sid.TypeAccount)
		if err != nil {
			return nil, fmt.Errorf("numbers file %s: entry %d: %w", path, i, err)
		}
		if e.OrganizationSid != "" {
			n.OrganizationSid, err = sid.Parse(e.OrganizationSid)
			if err != nil {
				return nil, fmt.Errorf("numbers file %s: entry %d: %w", path, i, err)
			}
		}
		if e.ApplicationSid != "" {
			n.ApplicationSid, err = sid.Parse(e.ApplicationSid)
			if err != nil {
				return nil, fmt.Errorf("numbers file %s: entry %d: %w", path, i, err)
			}
		}
		store.Add(n)
	}
	return store, nil
}

func parseOrMint(s string, t sid.Type) (sid.Sid, error) {
	if s == "" {
		return sid.New(t), nil
	}
	return sid.Parse(s)
}
