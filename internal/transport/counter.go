package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSendCounter = []byte("send_counter")

var keyDaily = []byte("daily")

// dayCount is the persisted counter state
type dayCount struct {
	Count    int       `json:"count"`
	DayStart time.Time `json:"day_start"`
}

// DayCounter tracks how many messages were sent in the current day window.
// It backs the SMTP transport's quota view, since a bare smarthost has no
// counter of its own to query.
type DayCounter struct {
	db    *bolt.DB
	mu    sync.Mutex
	state dayCount
	now   func() time.Time
}

// NewDayCounter creates a day counter backed by the given database
func NewDayCounter(db *bolt.DB) (*DayCounter, error) {
	c := &DayCounter{db: db, now: time.Now}

	err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketSendCounter)
		if err != nil {
			return err
		}
		if data := bucket.Get(keyDaily); data != nil {
			if err := json.Unmarshal(data, &c.state); err != nil {
				// Corrupt counter state starts a fresh window
				c.state = dayCount{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create send counter bucket: %w", err)
	}

	return c, nil
}

// Increment records one sent message and persists the counter
func (c *DayCounter) Increment() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.resetExpired(now)

	if c.state.DayStart.IsZero() {
		c.state.DayStart = now
	}
	c.state.Count++

	return c.persist()
}

// Today returns the number of messages sent in the current day window
func (c *DayCounter) Today() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetExpired(c.now())
	return c.state.Count
}

func (c *DayCounter) resetExpired(now time.Time) {
	if !c.state.DayStart.IsZero() && now.Sub(c.state.DayStart) >= 24*time.Hour {
		c.state = dayCount{DayStart: now}
	}
}

func (c *DayCounter) persist() error {
	data, err := json.Marshal(&c.state)
	if err != nil {
		return fmt.Errorf("failed to marshal counter: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSendCounter).Put(keyDaily, data)
	})
}
