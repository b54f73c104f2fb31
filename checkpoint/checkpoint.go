// Package checkpoint periodically persists a running estimation's state
// to a bbolt database, so a SAEM or FOCE run that is killed mid-fit can
// be inspected (or, for SAEM, resumed) from its last complete iteration.
// Adapted from the teacher's bbolt-backed checkpoint package, generalized
// from a single parameter map to the (theta, sigma2, iteration,
// converged) state this module's drivers carry.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

var log = logging.MustGetLogger("checkpoint")

// bucket is the bolt bucket name all checkpoints are stored under.
var bucket = []byte("nmodes")

// Data is the durable snapshot written at every checkpoint boundary.
type Data struct {
	Theta      []float64 `json:"theta"`
	Sigma2     float64   `json:"sigma2"`
	Iteration  int       `json:"iteration"`
	Final      bool      `json:"final"`
	SavedAtISO string    `json:"savedAt"`
}

// IO writes and reads checkpoints for one (model, method) fit, keyed by a
// caller-supplied key (e.g. "1comp_saem").
type IO struct {
	db     *bolt.DB
	key    []byte
	last   time.Time
	minGap time.Duration
}

// Open opens (creating if needed) a bbolt database at path for
// checkpointing.
func Open(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
}

// New creates an IO that will not write more often than minGap.
func New(db *bolt.DB, key string, minGap time.Duration) *IO {
	return &IO{db: db, key: []byte(key), minGap: minGap}
}

// Save writes the current fit state, unless the minimum gap since the
// last save has not yet elapsed and final is false.
func (c *IO) Save(iteration int, theta []float64, sigma2 float64, final bool) error {
	if c == nil || c.db == nil {
		return nil
	}
	if !final && time.Since(c.last) < c.minGap {
		return nil
	}
	c.last = time.Now()

	data := Data{
		Theta:     append([]float64(nil), theta...),
		Sigma2:    sigma2,
		Iteration: iteration,
		Final:     final,
	}
	body, err := json.Marshal(data)
	if err != nil {
		log.Errorf("error serializing checkpoint: %v", err)
		return err
	}
	if err := save(c.db, c.key, body); err != nil {
		log.Errorf("error saving checkpoint: %v", err)
		return err
	}
	return nil
}

// Load reads the last saved checkpoint, or nil if none exists.
func (c *IO) Load() (*Data, error) {
	if c == nil || c.db == nil {
		return nil, nil
	}
	body, err := load(c.db, c.key)
	if err != nil || body == nil {
		return nil, err
	}
	var data Data
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if data.Final {
		log.Noticef("found finished checkpoint (iter=%d)", data.Iteration)
	} else {
		log.Noticef("found unfinished checkpoint (iter=%d)", data.Iteration)
	}
	return &data, nil
}

func save(db *bolt.DB, key, data []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func load(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
