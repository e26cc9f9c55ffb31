package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketProbation  = "probation"
	bucketPolicies   = "policies"
	bucketViolations = "violations"
	bucketProfiles   = "profiles"
)

// DBFile is the database file name inside the data directory.
const DBFile = "sweepmonk.db"

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/sweepmonk.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DBFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketProbation, bucketPolicies, bucketViolations, bucketProfiles} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Probation ledger ------------------------------------------------------

func (s *bboltStore) ProbationCreate(_ context.Context, e ProbationEntry) (bool, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal ProbationEntry: %w", err)
	}
	key := []byte(e.Key().String())
	var created bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProbation))
		if b.Get(key) != nil {
			return nil
		}
		created = true
		return b.Put(key, data)
	})
	if err != nil {
		return false, &StoreError{Op: "probation create", Key: string(key), Err: err}
	}
	return created, nil
}

func (s *bboltStore) ProbationGet(_ context.Context, k Key) (*ProbationEntry, error) {
	var entry *ProbationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketProbation)).Get([]byte(k.String()))
		if v == nil {
			return nil
		}
		entry = new(ProbationEntry)
		return msgpack.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, &StoreError{Op: "probation get", Key: k.String(), Err: err}
	}
	return entry, nil
}

func (s *bboltStore) ProbationTake(_ context.Context, k Key) (*ProbationEntry, bool, error) {
	return s.take(k, func(ProbationEntry) bool { return true })
}

func (s *bboltStore) ProbationTakeExpired(_ context.Context, k Key, now time.Time) (*ProbationEntry, bool, error) {
	return s.take(k, func(e ProbationEntry) bool { return e.Expired(now) })
}

// take deletes the entry for k when cond holds. Read, check and delete run in
// one write transaction, and bbolt admits a single writer at a time.
func (s *bboltStore) take(k Key, cond func(ProbationEntry) bool) (*ProbationEntry, bool, error) {
	key := []byte(k.String())
	var (
		entry ProbationEntry
		taken bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProbation))
		v := b.Get(key)
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshal ProbationEntry: %w", err)
		}
		if !cond(entry) {
			return nil
		}
		taken = true
		return b.Delete(key)
	})
	if err != nil {
		return nil, false, &StoreError{Op: "probation take", Key: k.String(), Err: err}
	}
	if !taken {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (s *bboltStore) ProbationExpired(_ context.Context, now time.Time) ([]ProbationEntry, error) {
	var out []ProbationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketProbation)).ForEach(func(k, v []byte) error {
			var e ProbationEntry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return nil // skip corrupt entries
			}
			if e.Expired(now) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &StoreError{Op: "probation expired", Err: err}
	}
	return out, nil
}

func (s *bboltStore) ProbationCount(_ context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProbation))
		if chatID == 0 {
			n = b.Stats().KeyN
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			key, err := ParseKey(string(k))
			if err == nil && key.ChatID == chatID {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, &StoreError{Op: "probation count", Err: err}
	}
	return n, nil
}

// ---- Chat policy -----------------------------------------------------------

func (s *bboltStore) PolicyGet(chatID int64, defaults ChatPolicy) (ChatPolicy, error) {
	key := idKey(chatID)
	var p ChatPolicy
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPolicies))
		if v := b.Get(key); v != nil {
			return msgpack.Unmarshal(v, &p)
		}
		p = defaults
		p.UpdatedAt = time.Now().UTC()
		data, err := msgpack.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return ChatPolicy{}, &StoreError{Op: "policy get", Key: string(key), Err: err}
	}
	return p, nil
}

func (s *bboltStore) PolicySet(chatID int64, p ChatPolicy) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal ChatPolicy: %w", err)
	}
	key := idKey(chatID)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPolicies)).Put(key, data)
	}); err != nil {
		return &StoreError{Op: "policy set", Key: string(key), Err: err}
	}
	return nil
}

// ---- Violations ------------------------------------------------------------

func (s *bboltStore) ViolationAppend(rec ViolationRecord) (uint64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketViolations))
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), data)
	})
	if err != nil {
		return 0, &StoreError{Op: "violation append", Err: err}
	}
	return rec.ID, nil
}

func (s *bboltStore) RecentViolations(chatID int64, limit int) ([]ViolationRecord, error) {
	var out []ViolationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketViolations)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec ViolationRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				continue
			}
			if chatID != 0 && rec.ChatID != chatID {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "recent violations", Err: err}
	}
	return out, nil
}

// ---- Profiles --------------------------------------------------------------

func (s *bboltStore) ProfileRecordViolation(p UserProfile) (UserProfile, error) {
	key := idKey(p.UserID)
	var out UserProfile
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProfiles))
		if v := b.Get(key); v != nil {
			if err := msgpack.Unmarshal(v, &out); err != nil {
				return fmt.Errorf("unmarshal UserProfile: %w", err)
			}
		}
		out.UserID = p.UserID
		if p.Username != "" {
			out.Username = p.Username
		}
		if p.FirstName != "" {
			out.FirstName = p.FirstName
		}
		if p.LastName != "" {
			out.LastName = p.LastName
		}
		out.ViolationCount++
		out.UpdatedAt = time.Now().UTC()
		data, err := msgpack.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return UserProfile{}, &StoreError{Op: "profile record", Key: string(key), Err: err}
	}
	return out, nil
}

func (s *bboltStore) ProfileGet(userID int64) (*UserProfile, error) {
	var p *UserProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketProfiles)).Get(idKey(userID))
		if v == nil {
			return nil
		}
		p = new(UserProfile)
		return msgpack.Unmarshal(v, p)
	})
	if err != nil {
		return nil, &StoreError{Op: "profile get", Err: err}
	}
	return p, nil
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) Stats(chatID int64, now time.Time) (Stats, error) {
	var st Stats
	y, m, d := now.Date()
	err := s.db.View(func(tx *bolt.Tx) error {
		st.TotalUsers = tx.Bucket([]byte(bucketProfiles)).Stats().KeyN
		return tx.Bucket([]byte(bucketViolations)).ForEach(func(_, v []byte) error {
			var rec ViolationRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if chatID != 0 && rec.ChatID != chatID {
				return nil
			}
			st.TotalViolations++
			ry, rm, rd := rec.CreatedAt.In(now.Location()).Date()
			if ry == y && rm == m && rd == d {
				st.TodayViolations++
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, &StoreError{Op: "stats", Err: err}
	}
	return st, nil
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func seqKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
