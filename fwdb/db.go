package fwdb

import (
	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
	"os"
	"path/filepath"
	"time"
)

const (
	dbName           = "fwload.db"
	dbFilePermission = 0600
)

var (
	// updatesBucket holds one nested bucket per device with every update
	// record keyed by update id
	updatesBucket = []byte("updates")

	// latestBucket maps a device name to its most recent update record
	latestBucket = []byte("latest")
)

// DB keeps the history of firmware updates.
type DB struct {
	*bbolt.DB
	dbPath string
}

// Open opens or creates the history database in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Errorf("Could not create data dir: %v", err)
	}

	path := filepath.Join(dir, dbName)

	bdb, err := bbolt.Open(path, dbFilePermission, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Errorf("Could not open database %v: %v", path, err)
	}

	db := &DB{
		DB:     bdb,
		dbPath: path,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{updatesBucket, latestBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Errorf("Could not initialize database: %v", err)
	}

	return db, nil
}

// Path returns the location of the database file.
func (db *DB) Path() string {
	return db.dbPath
}
