package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/controllerd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes        = []byte("nodes")
	bucketPartitions   = []byte("partitions")
	bucketJobs         = []byte("jobs")
	bucketReservations = []byte("reservations")
	bucketLicenses     = []byte("licenses")
	bucketCA           = []byte("ca")
)

// BoltStore implements Store on top of an embedded go.etcd.io/bbolt
// database, one bucket per table, values JSON-encoded.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the control daemon's database
// file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "controller.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketNodes, bucketPartitions, bucketJobs, bucketReservations, bucketLicenses, bucketCA}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.Name), data)
	})
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("node not found: %s", name)
		}
		return json.Unmarshal(data, &node)
	})
	return &node, err
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error { return s.CreateNode(node) }

func (s *BoltStore) DeleteNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(name))
	})
}

// Partition operations

func (s *BoltStore) CreatePartition(p *types.Partition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), data)
	})
}

func (s *BoltStore) GetPartition(name string) (*types.Partition, error) {
	var p types.Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("partition not found: %s", name)
		}
		return json.Unmarshal(data, &p)
	})
	return &p, err
}

func (s *BoltStore) ListPartitions() ([]*types.Partition, error) {
	var out []*types.Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions)
		return b.ForEach(func(k, v []byte) error {
			var p types.Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdatePartition(p *types.Partition) error { return s.CreatePartition(p) }

func (s *BoltStore) DeletePartition(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).Delete([]byte(name))
	})
}

// Job operations

func jobKey(id uint32) []byte { return []byte(strconv.FormatUint(uint64(id), 10)) }

func (s *BoltStore) CreateJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put(jobKey(j.ID), data)
	})
}

func (s *BoltStore) GetJob(id uint32) (*types.Job, error) {
	var j types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get(jobKey(id))
		if data == nil {
			return fmt.Errorf("job not found: %d", id)
		}
		return json.Unmarshal(data, &j)
	})
	return &j, err
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, &j)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateJob(j *types.Job) error { return s.CreateJob(j) }

func (s *BoltStore) DeleteJob(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
}

// Reservation operations

func (s *BoltStore) CreateReservation(r *types.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Name), data)
	})
}

func (s *BoltStore) GetReservation(name string) (*types.Reservation, error) {
	var r types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("reservation not found: %s", name)
		}
		return json.Unmarshal(data, &r)
	})
	return &r, err
}

func (s *BoltStore) ListReservations() ([]*types.Reservation, error) {
	var out []*types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		return b.ForEach(func(k, v []byte) error {
			var r types.Reservation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateReservation(r *types.Reservation) error { return s.CreateReservation(r) }

func (s *BoltStore) DeleteReservation(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReservations).Delete([]byte(name))
	})
}

// License operations

func (s *BoltStore) CreateLicense(l *types.LicenseEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicenses)
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put([]byte(l.Name), data)
	})
}

func (s *BoltStore) GetLicense(name string) (*types.LicenseEntry, error) {
	var l types.LicenseEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicenses)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("license not found: %s", name)
		}
		return json.Unmarshal(data, &l)
	})
	return &l, err
}

func (s *BoltStore) ListLicenses() ([]*types.LicenseEntry, error) {
	var out []*types.LicenseEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicenses)
		return b.ForEach(func(k, v []byte) error {
			var l types.LicenseEntry
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateLicense(l *types.LicenseEntry) error { return s.CreateLicense(l) }

func (s *BoltStore) DeleteLicense(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLicenses).Delete([]byte(name))
	})
}

// Certificate authority

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("ca not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
