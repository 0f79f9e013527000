package models

import (
	"encoding/json"
	"time"
)

// Device is the server-side record of a registered installation.
type Device struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	DeviceName       string     `json:"device_name"`
	DeviceIdentifier string     `json:"device_identifier"`
	Tags             []string   `json:"tags"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
}

// UnmarshalJSON decodes a device and normalizes a null tag list to empty.
func (d *Device) UnmarshalJSON(data []byte) error {
	type alias Device
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Tags == nil {
		raw.Tags = []string{}
	}
	*d = Device(raw)
	return nil
}

// HasTag reports whether the device carries the given tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DeviceRegistration is the upsert body for POST /api/v1/devices.
// The backend keys the record by (user, DeviceIdentifier).
type DeviceRegistration struct {
	DeviceName       string      `json:"device_name"`
	DeviceIdentifier string      `json:"device_identifier"`
	DeviceToken      string      `json:"device_token"`
	BundleID         string      `json:"bundle_id"`
	Environment      Environment `json:"environment"`
	Tags             []string    `json:"tags"`
}

// DevicePatch is a partial update for PUT /api/v1/devices/{id}.
// Nil fields are left untouched by the server. A non-nil Tags pointing at an
// empty slice clears the tags.
type DevicePatch struct {
	DeviceName *string   `json:"device_name,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
}

// RenameDevice builds a patch that only changes the device name.
func RenameDevice(name string) DevicePatch {
	return DevicePatch{DeviceName: &name}
}

// ReplaceTags builds a patch that only replaces the tag list.
func ReplaceTags(tags []string) DevicePatch {
	if tags == nil {
		tags = []string{}
	}
	return DevicePatch{Tags: &tags}
}

// Empty reports whether the patch would change nothing.
func (p DevicePatch) Empty() bool {
	return p.DeviceName == nil && p.Tags == nil
}

// DeviceTokenUpdate rotates the push token of an existing device.
type DeviceTokenUpdate struct {
	DeviceToken string      `json:"device_token"`
	Environment Environment `json:"environment"`
	BundleID    string      `json:"bundle_id"`
}
