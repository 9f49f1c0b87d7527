package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// QueueItem is the durable unit of delivery work. Only event "deliver"
// is currently defined.
type QueueItem struct {
	ID    string
	Event string
	Data  string
}

// EscapeQueueData encodes "<item-iri> <inbox-iri>" with spaces escaped
// as \s and backslashes as \\.
func EscapeQueueData(itemIRI, inboxIRI string) string {
	return escape(itemIRI) + " " + escape(inboxIRI)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, " ", `\s`)
	return s
}

// DecodeQueueData splits a previously-escaped "<item> <inbox>" pair.
func DecodeQueueData(data string) (itemIRI, inboxIRI string, err error) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(data); i++ {
		switch {
		case data[i] == '\\' && i+1 < len(data) && data[i+1] == '\\':
			cur.WriteByte('\\')
			i++
		case data[i] == '\\' && i+1 < len(data) && data[i+1] == 's':
			cur.WriteByte(' ')
			i++
		case data[i] == ' ':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(data[i])
		}
	}
	parts = append(parts, cur.String())
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed queue data: %q", data)
	}
	return parts[0], parts[1], nil
}

// Queue is the delivery queue port consumed by the delivery worker and
// filled by the ingest pipeline.
type Queue interface {
	Enqueue(ctx context.Context, event, data string) error
	// Lease atomically claims up to n pending items, marking them leased so
	// concurrent workers don't double-process. Returns nil, nil when empty.
	Lease(ctx context.Context, n int) ([]QueueItem, error)
	MarkSuccess(ctx context.Context, id string) error
	MarkFailure(ctx context.Context, id string, maxAttempts int) error
}

// SQLQueue backs Queue with the same *sql.DB (and same `queue` table) as
// SQLStore.
type SQLQueue struct {
	db     *sql.DB
	driver string
}

func NewSQLQueue(s *SQLStore) *SQLQueue {
	return &SQLQueue{db: s.db, driver: s.driver}
}

func (q *SQLQueue) ph(n int) string {
	if q.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (q *SQLQueue) Enqueue(ctx context.Context, event, data string) error {
	id := ulid.Make().String()
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf("insert into queue(id, event, data, state, attempts, last_attempt) values (%s,%s,%s,'pending',0,0)", q.ph(1), q.ph(2), q.ph(3)),
		id, event, data)
	return wrap("enqueue", err)
}

// leaseExpiry is how long a leased item stays invisible to other
// workers. A worker that crashes or is cancelled mid-delivery never
// marks its item, so leases older than this are reclaimed by the next
// Lease call as if they were still pending.
const leaseExpiry = 5 * time.Minute

// Lease selects items that are pending, failed-and-due-for-retry under
// an exponential backoff, or stuck in an expired lease, and marks them
// "leased" so they are not handed to another worker concurrently.
func (q *SQLQueue) Lease(ctx context.Context, n int) ([]QueueItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("lease", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`select id, event, data, state, attempts, last_attempt from queue
			where state = 'pending' or (state = 'failure' and attempts < 16)
				or (state = 'leased' and last_attempt <= %s)
			order by last_attempt asc limit %s`,
			q.ph(1), q.ph(2)),
		now-int64(leaseExpiry/time.Second),
		n*4) // over-fetch; backoff-due filtering happens in Go below
	if err != nil {
		return nil, wrap("lease", err)
	}

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var state string
		var attempts int
		var lastAttempt int64
		if err := rows.Scan(&it.ID, &it.Event, &it.Data, &state, &attempts, &lastAttempt); err != nil {
			rows.Close()
			return nil, wrap("lease", err)
		}
		if state != "failure" || backoffDue(attempts, lastAttempt, now) {
			items = append(items, it)
		}
		if len(items) >= n {
			break
		}
	}
	rows.Close()

	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("update queue set state = 'leased', last_attempt = %s where id = %s", q.ph(1), q.ph(2)),
			now, it.ID); err != nil {
			return nil, wrap("lease", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("lease", err)
	}
	return items, nil
}

// backoffDue implements the exponential backoff: min(2^attempts, 300)
// seconds between attempts.
func backoffDue(attempts int, lastAttempt, now int64) bool {
	if attempts == 0 {
		return true
	}
	delay := int64(1)
	for i := 0; i < attempts && delay < 300; i++ {
		delay *= 2
	}
	if delay > 300 {
		delay = 300
	}
	return now-lastAttempt >= delay
}

func (q *SQLQueue) MarkSuccess(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, fmt.Sprintf("update queue set state = 'success' where id = %s", q.ph(1)), id)
	return wrap("mark_success", err)
}

// MarkFailure increments the attempt counter and records the failure;
// the backoff delay is applied at Lease time via last_attempt.
func (q *SQLQueue) MarkFailure(ctx context.Context, id string, maxAttempts int) error {
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf("update queue set state = 'failure', attempts = attempts + 1, last_attempt = %s where id = %s", q.ph(1), q.ph(2)),
		time.Now().Unix(), id)
	return wrap("mark_failure", err)
}
