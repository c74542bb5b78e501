package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/collie-store/collie/pkg/types"
)

var (
	bucketCluster = []byte("cluster")
	bucketEpochs  = []byte("epochs")

	keyInfo     = []byte("info")
	keyShutdown = []byte("shutdown")
)

// ClusterStore persists the replicated cluster configuration and the epoch
// log. The epoch log entry for epoch N must be durable before the node acts
// on membership N, so epoch writes go through a synchronous bbolt update.
type ClusterStore struct {
	db *bolt.DB
}

// OpenClusterStore opens (or creates) the store under dataDir.
func OpenClusterStore(dataDir string) (*ClusterStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "cluster.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cluster store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCluster, bucketEpochs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ClusterStore{db: db}, nil
}

// Close closes the database.
func (s *ClusterStore) Close() error {
	return s.db.Close()
}

// PutInfo persists the cluster configuration.
func (s *ClusterStore) PutInfo(info types.ClusterInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCluster).Put(keyInfo, data)
	})
}

// GetInfo loads the cluster configuration. A cluster that was never
// formatted returns the zero value.
func (s *ClusterStore) GetInfo() (types.ClusterInfo, error) {
	var info types.ClusterInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCluster).Get(keyInfo)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &info)
	})
	return info, err
}

// SetShutdown records a clean shutdown so the next start can skip blind
// recovery.
func (s *ClusterStore) SetShutdown(clean bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := []byte{0}
		if clean {
			v[0] = 1
		}
		return tx.Bucket(bucketCluster).Put(keyShutdown, v)
	})
}

// WasShutdown reports whether the last stop was clean.
func (s *ClusterStore) WasShutdown() (clean bool) {
	s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCluster).Get(keyShutdown)
		clean = len(v) == 1 && v[0] == 1
		return nil
	})
	return clean
}

func epochKey(epoch uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, epoch)
	return k
}

// PutEpoch appends one epoch log entry.
func (s *ClusterStore) PutEpoch(entry types.EpochLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEpochs).Put(epochKey(entry.Epoch), data)
	})
}

// GetEpoch reads the entry for one epoch; ok is false if absent.
func (s *ClusterStore) GetEpoch(epoch uint32) (entry types.EpochLogEntry, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEpochs).Get(epochKey(epoch))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &entry)
	})
	return entry, ok, err
}

// LatestEpoch returns the highest logged epoch, 0 if the log is empty.
func (s *ClusterStore) LatestEpoch() (epoch uint32) {
	s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketEpochs).Cursor().Last()
		if k != nil {
			epoch = binary.BigEndian.Uint32(k)
		}
		return nil
	})
	return epoch
}

// RemoveEpoch deletes one epoch log entry. Format uses this to purge the
// history of the previous cluster generation.
func (s *ClusterStore) RemoveEpoch(epoch uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEpochs).Delete(epochKey(epoch))
	})
}
