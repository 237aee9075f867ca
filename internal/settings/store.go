// Package settings holds the runtime configuration shared by the renderer,
// quota tracker and dispatcher: sender identity, throttle defaults, the daily
// send cap, the open-tracking endpoint and the named message templates.
package settings

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSettings  = []byte("settings")
	bucketTemplates = []byte("message_templates")

	keySettings = []byte("current")
)

// Settings is the runtime configuration object
type Settings struct {
	SenderName        string `json:"sender_name"`
	CompanyName       string `json:"company_name"`
	TrackingEndpoint  string `json:"tracking_endpoint,omitempty"`
	EmailDelaySeconds int    `json:"email_delay_seconds"`
	MaxEmailsPerDay   int    `json:"max_emails_per_day"`
}

// Patch is a partial settings update; nil fields are left unchanged
type Patch struct {
	SenderName        *string `json:"sender_name,omitempty"`
	CompanyName       *string `json:"company_name,omitempty"`
	TrackingEndpoint  *string `json:"tracking_endpoint,omitempty"`
	EmailDelaySeconds *int    `json:"email_delay_seconds,omitempty"`
	MaxEmailsPerDay   *int    `json:"max_emails_per_day,omitempty"`
}

// MessageTemplate is a named subject/body pair usable in batch requests
type MessageTemplate struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Store provides persistent settings storage
type Store struct {
	db *bolt.DB
}

// NewStore creates a new settings store
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSettings); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create settings buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Defaults returns the settings written by EnsureDefaults on first start
func Defaults() Settings {
	return Settings{
		SenderName:        "Herald",
		EmailDelaySeconds: 1,
		MaxEmailsPerDay:   500,
	}
}

// EnsureDefaults writes the default settings if none exist yet. Safe to call
// repeatedly; an existing settings object is never touched.
func (s *Store) EnsureDefaults() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSettings)
		if bucket.Get(keySettings) != nil {
			return nil
		}

		defaults := Defaults()
		data, err := json.Marshal(&defaults)
		if err != nil {
			return fmt.Errorf("failed to marshal default settings: %w", err)
		}
		return bucket.Put(keySettings, data)
	})
}

// Get returns the current settings
func (s *Store) Get() (*Settings, error) {
	var out *Settings

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(keySettings)
		if data == nil {
			defaults := Defaults()
			out = &defaults
			return nil
		}
		out = &Settings{}
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return out, nil
}

// Update applies a partial update to the stored settings, merge-by-key,
// and returns the merged result
func (s *Store) Update(patch Patch) (*Settings, error) {
	var merged *Settings

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSettings)

		current := Defaults()
		if data := bucket.Get(keySettings); data != nil {
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to unmarshal settings: %w", err)
			}
		}

		if patch.SenderName != nil {
			current.SenderName = *patch.SenderName
		}
		if patch.CompanyName != nil {
			current.CompanyName = *patch.CompanyName
		}
		if patch.TrackingEndpoint != nil {
			current.TrackingEndpoint = *patch.TrackingEndpoint
		}
		if patch.EmailDelaySeconds != nil {
			current.EmailDelaySeconds = *patch.EmailDelaySeconds
		}
		if patch.MaxEmailsPerDay != nil {
			current.MaxEmailsPerDay = *patch.MaxEmailsPerDay
		}

		data, err := json.Marshal(&current)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		if err := bucket.Put(keySettings, data); err != nil {
			return err
		}

		merged = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Templates returns all message templates ordered by name
func (s *Store) Templates() ([]MessageTemplate, error) {
	var templates []MessageTemplate

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl MessageTemplate
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return nil // Skip invalid entries
			}
			templates = append(templates, tmpl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// Template returns a message template by name, or nil if absent
func (s *Store) Template(name string) (*MessageTemplate, error) {
	var tmpl *MessageTemplate

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(name))
		if data == nil {
			return nil
		}
		tmpl = &MessageTemplate{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// PutTemplate creates or replaces a message template
func (s *Store) PutTemplate(tmpl MessageTemplate) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return tx.Bucket(bucketTemplates).Put([]byte(tmpl.Name), data)
	})
}

// DeleteTemplate removes a message template by name
func (s *Store) DeleteTemplate(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(name))
	})
}
