package model

import (
	"strings"
	"time"
)

// Descriptor is the connection configuration of a remote backend.
// The engine treats it as opaque; the remote factory interprets it.
type Descriptor struct {
	APIKey            string `json:"apiKey" yaml:"apiKey"`
	AuthDomain        string `json:"authDomain" yaml:"authDomain"`
	ProjectID         string `json:"projectId" yaml:"projectId"`
	StorageBucket     string `json:"storageBucket" yaml:"storageBucket"`
	MessagingSenderID string `json:"messagingSenderId" yaml:"messagingSenderId"`
	AppID             string `json:"appId" yaml:"appId"`
	MeasurementID     string `json:"measurementId,omitempty" yaml:"measurementId,omitempty"`

	// Endpoint overrides the URL derived from AuthDomain.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Validate checks that every required field is present.
func (d Descriptor) Validate() error {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"apiKey", d.APIKey},
		{"authDomain", d.AuthDomain},
		{"projectId", d.ProjectID},
		{"storageBucket", d.StorageBucket},
		{"messagingSenderId", d.MessagingSenderID},
		{"appId", d.AppID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Errorf(CodeInvalidArgument, "descriptor missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (d Descriptor) fields() map[string]any {
	return map[string]any{
		"apiKey":            d.APIKey,
		"authDomain":        d.AuthDomain,
		"projectId":         d.ProjectID,
		"storageBucket":     d.StorageBucket,
		"messagingSenderId": d.MessagingSenderID,
		"appId":             d.AppID,
		"measurementId":     d.MeasurementID,
		"endpoint":          d.Endpoint,
	}
}

// Redacted returns a copy with the API key masked, for display.
func (d Descriptor) Redacted() Descriptor {
	if len(d.APIKey) > 4 {
		d.APIKey = d.APIKey[:4] + strings.Repeat("*", 8)
	} else if d.APIKey != "" {
		d.APIKey = "****"
	}
	return d
}

// BackendStatus is whether a backend currently serves reads and writes.
type BackendStatus string

const (
	StatusActive   BackendStatus = "active"
	StatusInactive BackendStatus = "inactive"
)

// Built-in backend ids seeded from configuration.
const (
	BackendPrimary = "primary"
	BackendStandby = "standby"
)

// OpClass classifies a remote call for backend metrics.
type OpClass string

const (
	OpRead  OpClass = "read"
	OpWrite OpClass = "write"
)

// BackendMetrics are observability counters for one backend.
type BackendMetrics struct {
	Reads           int64      `json:"reads"`
	Writes          int64      `json:"writes"`
	LastOperationAt *time.Time `json:"last_operation_at,omitempty"`
	Healthy         bool       `json:"healthy"`
}

// Backend is one entry of the remote backend registry.
type Backend struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"`
	Descriptor   Descriptor     `json:"descriptor"`
	Status       BackendStatus  `json:"status"`
	Builtin      bool           `json:"builtin"`
	Retired      bool           `json:"retired,omitempty"`
	Metrics      BackendMetrics `json:"metrics"`
	AddedAt      time.Time      `json:"added_at"`
	LastTestedAt *time.Time     `json:"last_tested_at,omitempty"`
}

// Active reports whether the backend is the active one.
func (b Backend) Active() bool {
	return b.Status == StatusActive
}
