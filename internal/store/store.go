// Package store journals overlay network declarations in a bbolt file so
// the daemon can rebuild its overlays after a restart.
package store

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/l2sm/overlayd/internal/overlay"
)

// Layout:
//
//	bucket(v1.networks) ->
//		<id> -> declaration (JSON)
var (
	bucketKeyStorageVersion = []byte("v1")
	bucketKeyNetworks       = []byte("networks")
)

// openTimeout bounds the wait for the bbolt file lock held by another
// process.
const openTimeout = time.Second

// Sentinel errors for the journal.
var (
	// ErrEmptyID indicates a declaration without a network id.
	ErrEmptyID = errors.New("declaration id is empty")
)

type bucketKeyPath [][]byte

func (bk bucketKeyPath) String() string {
	return string(bytes.Join([][]byte(bk), []byte("/")))
}

// Journal is a bbolt-backed overlay.Journal.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ overlay.Journal = (*Journal)(nil)

// Open opens (creating if needed) the journal file at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := createBucketIfNotExists(tx, bucketKeyStorageVersion, bucketKeyNetworks)
		return err
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("init journal %s: %w", path, err), db.Close())
	}

	j := &Journal{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}
	j.logger.Info("journal opened", slog.String("path", path))
	return j, nil
}

// Close releases the bbolt file.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// Load returns every stored declaration ordered by sequence.
func (j *Journal) Load(ctx context.Context) ([]overlay.Declaration, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	var decls []overlay.Declaration
	err := j.db.View(func(tx *bolt.Tx) error {
		bkt, err := networksBucket(tx)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			var d overlay.Declaration
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			decls = append(decls, d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	slices.SortFunc(decls, func(a, b overlay.Declaration) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return decls, nil
}

// Save stores d under its id. The first save of an id assigns the next
// bucket sequence; later saves keep it, so Load replays networks in their
// creation order.
func (j *Journal) Save(ctx context.Context, d overlay.Declaration) error {
	if d.ID == "" {
		return ErrEmptyID
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save %q: %w", d.ID, err)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		bkt, err := networksBucket(tx)
		if err != nil {
			return err
		}

		key := []byte(d.ID)
		if prev := bkt.Get(key); prev != nil {
			var old overlay.Declaration
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode previous: %w", err)
			}
			d.Seq = old.Seq
		} else {
			seq, err := bkt.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			d.Seq = seq
		}

		p, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		return bkt.Put(key, p)
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", d.ID, err)
	}

	j.logger.Debug("declaration saved",
		slog.String("network", d.ID),
		slog.Uint64("seq", d.Seq),
	)
	return nil
}

// Remove deletes the declaration of id. Unknown ids are ignored.
func (j *Journal) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		bkt, err := networksBucket(tx)
		if err != nil {
			return err
		}
		return bkt.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}

	j.logger.Debug("declaration removed", slog.String("network", id))
	return nil
}

// -------------------------------------------------------------------------
// Bucket helpers
// -------------------------------------------------------------------------

func networksBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	keys := bucketKeyPath{bucketKeyStorageVersion, bucketKeyNetworks}
	bkt := getBucket(tx, keys...)
	if bkt == nil {
		return nil, fmt.Errorf("bucket %s missing", keys)
	}
	return bkt, nil
}

func createBucketIfNotExists(tx *bolt.Tx, keys ...[]byte) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists(keys[0])
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucketKeyPath(keys), err)
	}

	for _, key := range keys[1:] {
		bkt, err = bkt.CreateBucketIfNotExists(key)
		if err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucketKeyPath(keys), err)
		}
	}

	return bkt, nil
}

func getBucket(tx *bolt.Tx, keys ...[]byte) *bolt.Bucket {
	bkt := tx.Bucket(keys[0])

	for _, key := range keys[1:] {
		if bkt == nil {
			break
		}
		bkt = bkt.Bucket(key)
	}

	return bkt
}
