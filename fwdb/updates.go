package fwdb

import (
	"encoding/json"
	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
	"sort"
	"time"
)

// UpdateRecord is the terminal state of one update.
type UpdateRecord struct {
	Id       string    `json:"id"`
	Device   string    `json:"device"`
	Source   string    `json:"source"`
	Size     uint32    `json:"size"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	// ErrorProgress and Error are empty for a successful update
	ErrorProgress string `json:"errorProgress,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Succeeded reports whether the update completed without error.
func (r *UpdateRecord) Succeeded() bool {
	return r.Error == ""
}

// PutUpdate stores a record and makes it the latest one of its device.
func (db *DB) PutUpdate(record *UpdateRecord) error {
	if record.Id == "" || record.Device == "" {
		return errors.New("update record requires an id and a device")
	}

	return db.Update(func(tx *bbolt.Tx) error {
		device, err := tx.Bucket(updatesBucket).CreateBucketIfNotExists([]byte(record.Device))
		if err != nil {
			return err
		}

		if err := putJSON(device, []byte(record.Id), record); err != nil {
			return err
		}

		return putJSON(tx.Bucket(latestBucket), []byte(record.Device), record)
	})
}

// GetUpdate returns the record of an update, or nil if it is unknown.
func (db *DB) GetUpdate(device string, id string) (*UpdateRecord, error) {
	var record *UpdateRecord

	err := db.View(func(tx *bbolt.Tx) error {
		r := &UpdateRecord{}

		found, err := getJSON(tx.Bucket(updatesBucket).Bucket([]byte(device)), []byte(id), r)
		if found {
			record = r
		}

		return err
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListUpdates returns all records of a device, oldest first.
func (db *DB) ListUpdates(device string) ([]*UpdateRecord, error) {
	records := []*UpdateRecord{}

	err := db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(updatesBucket).Bucket([]byte(device))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &UpdateRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return errors.Errorf("Could not unmarshal update %s: %v", k, err)
			}

			records = append(records, record)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Started.Before(records[j].Started)
	})

	return records, nil
}

// LastUpdate returns the most recent record of a device, or nil.
func (db *DB) LastUpdate(device string) (*UpdateRecord, error) {
	var record *UpdateRecord

	err := db.View(func(tx *bbolt.Tx) error {
		r := &UpdateRecord{}

		found, err := getJSON(tx.Bucket(latestBucket), []byte(device), r)
		if found {
			record = r
		}

		return err
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}
