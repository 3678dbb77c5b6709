// SPDX-License-Identifier: MIT

package model

import "time"

// Preset is a named bundle of submission defaults owned by one user. Empty
// fields mean "no default"; submission requests fill their own blanks from
// the preset and explicit request values always win.
type Preset struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Mode        Mode       `json:"mode,omitempty"`
	Device      Device     `json:"device,omitempty"`
	SrcLang     string     `json:"src_lang,omitempty"`
	TgtLang     string     `json:"tgt_lang,omitempty"`
	SeriesTitle string     `json:"series_title,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the set fields against the closed enums. Name is the only
// required field.
func (p *Preset) Validate() string {
	if p.Name == "" {
		return "missing_name"
	}
	if len(p.Name) > 64 {
		return "name_too_long"
	}
	if p.Mode != "" && !p.Mode.Valid() {
		return "bad_mode"
	}
	if p.Device != "" && !p.Device.Valid() {
		return "bad_device"
	}
	if p.Visibility != "" && !p.Visibility.Valid() {
		return "bad_visibility"
	}
	return ""
}
