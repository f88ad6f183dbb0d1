// seed_sessions injects expired session and counter records into state.db for
// smoke testing the garbage-collection sweep. It is a standalone tool — not
// part of the module's test suite.
//
// Usage:
//
//	go run scripts/seed_sessions/main.go --db /path/to/state.db --count 20 --age 2h
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// sessionRecord mirrors internal/session record.
type sessionRecord struct {
	ID              string `json:"id"`
	IP              string `json:"ip"`
	CreatedAt       int64  `json:"created_at"`
	CreatedAtMicros int64  `json:"created_at_micros"`
	Data            string `json:"data"`
}

// counterRecord mirrors internal/storage counterRecord.
type counterRecord struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
}

// newToken returns a 32-char lowercase hex token, matching what the identity
// resolver issues.
func newToken() string {
	u := uuid.NewString()
	out := make([]byte, 0, 32)
	for i := 0; i < len(u); i++ {
		if u[i] != '-' {
			out = append(out, u[i])
		}
	}
	return string(out)
}

// seedIP derives a deterministic test-net address for record n.
func seedIP(n int) string {
	return fmt.Sprintf("203.0.113.%d", n%254+1)
}

func main() {
	dbPath := flag.String("db", "", "Path to state.db (required)")
	count := flag.Int("count", 5, "Number of expired session records to write")
	age := flag.Duration("age", time.Hour, "How far in the past the records were created")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("--db is required")
	}
	if *count < 1 {
		log.Fatal("--count must be at least 1")
	}

	db, err := bolt.Open(*dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	created := time.Now().Add(-*age)

	err = db.Update(func(tx *bolt.Tx) error {
		sessions, err := tx.CreateBucketIfNotExists([]byte("session"))
		if err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}
		counters, err := tx.CreateBucketIfNotExists([]byte("counter"))
		if err != nil {
			return fmt.Errorf("create counter bucket: %w", err)
		}

		for i := 0; i < *count; i++ {
			id := newToken()
			rec := sessionRecord{
				ID:              id,
				IP:              seedIP(i),
				CreatedAt:       created.Unix(),
				CreatedAtMicros: int64(created.Nanosecond() / 1000),
				Data:            "{}",
			}
			recJSON, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			if err := sessions.Put([]byte(id), recJSON); err != nil {
				return fmt.Errorf("write session: %w", err)
			}

			// Stale day counter from the window the record was created in.
			ctr := counterRecord{
				Count:       int64(i + 1),
				WindowStart: created.Truncate(24 * time.Hour).Unix(),
			}
			ctrJSON, err := json.Marshal(ctr)
			if err != nil {
				return fmt.Errorf("marshal counter: %w", err)
			}
			key := id + ":frequency:d"
			if err := counters.Put([]byte(key), ctrJSON); err != nil {
				return fmt.Errorf("write counter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	fmt.Printf("[seed_sessions] wrote %d session records created at %s\n",
		*count, created.UTC().Format(time.RFC3339))
	fmt.Println("[seed_sessions] run `gatewarden sweep` to observe reclamation")
}
