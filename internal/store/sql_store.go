package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kroegd/kroegd/internal/ap"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore backs the entity store with a triple-ish SQL layout able to
// hold arbitrary ActivityPub graphs: one row per node in nodes, one row
// per attribute value in attributes, and an ordered collection_items
// table for paginated collections.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to databaseURL, detecting sqlite vs postgres from its
// scheme, and applies per-driver pragmas and pool limits.
func Open(databaseURL string) (*SQLStore, error) {
	driver := detectDriver(databaseURL)

	var dsn string
	switch driver {
	case "sqlite":
		dsn = strings.TrimPrefix(databaseURL, "sqlite://")
		if dsn == "" {
			dsn = "kroegd.db"
		}
	case "postgres":
		dsn = databaseURL
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %s", databaseURL)
	}

	sqlDriver := "sqlite"
	if driver == "postgres" {
		sqlDriver = "postgres"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}

	if driver == "sqlite" {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", p, err)
			}
		}
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	return s, nil
}

func detectDriver(url string) string {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// ph returns the driver-appropriate positional placeholder.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

var commonMigrations = []string{
	`create table if not exists nodes (
		id text primary key,
		instance integer,
		box text
	)`,
	`create table if not exists attributes (
		subject text not null,
		predicate text not null,
		ord integer not null,
		is_meta integer not null default 0,
		value_kind text not null,
		iri_value text,
		literal_value text,
		literal_type text,
		literal_lang text
	)`,
	`create index if not exists idx_attributes_subject on attributes(subject)`,
	`create index if not exists idx_attributes_predicate on attributes(predicate)`,
	`create index if not exists idx_attributes_iri_value on attributes(iri_value)`,
	`create table if not exists collection_items (
		collection text not null,
		member text not null,
		position integer not null,
		inserted_at integer not null
	)`,
	`create index if not exists idx_collection_items_collection on collection_items(collection, position)`,
	`create index if not exists idx_collection_items_member on collection_items(member)`,
	`create table if not exists queue (
		id text primary key,
		event text not null,
		data text not null,
		state text not null default 'pending',
		attempts integer not null default 0,
		last_attempt integer not null default 0
	)`,
	`create index if not exists idx_queue_state on queue(state, last_attempt)`,
}

// Migrate applies the schema; postgres needs no driver-specific DDL
// here, so both drivers share the same statement list.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range commonMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %s: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Get(ctx context.Context, iri string, localOnly bool) (*ap.StoreItem, error) {
	var instance sql.NullInt64
	var box sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("select instance, box from nodes where id = %s", s.ph(1)), iri).Scan(&instance, &box)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", err)
	}

	item := ap.NewStoreItem(iri)
	if instance.Valid {
		item.Meta.Push(ap.KroegInstance, ap.ValuePointer(strconv.FormatInt(instance.Int64, 10), ap.XSDInteger))
	}
	if box.Valid {
		item.Meta.Push(ap.KroegBox, ap.IDPointer(box.String))
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("select predicate, ord, is_meta, value_kind, iri_value, literal_value, literal_type, literal_lang from attributes where subject = %s order by predicate, ord", s.ph(1)),
		iri)
	if err != nil {
		return nil, wrap("get", err)
	}
	defer rows.Close()

	for rows.Next() {
		var predicate, valueKind string
		var ord, isMeta int
		var iriValue, literalValue, literalType, literalLang sql.NullString
		if err := rows.Scan(&predicate, &ord, &isMeta, &valueKind, &iriValue, &literalValue, &literalType, &literalLang); err != nil {
			return nil, wrap("get", err)
		}
		var p ap.Pointer
		if valueKind == "iri" {
			p = ap.IDPointer(iriValue.String)
		} else {
			p = ap.ValuePointer(literalValue.String, literalType.String)
		}
		if isMeta == 1 {
			item.Meta.Push(predicate, p)
		} else {
			item.Main.Push(predicate, p)
		}
	}

	return item, nil
}

func (s *SQLStore) Put(ctx context.Context, iri string, item *ap.StoreItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("put", err)
	}
	defer tx.Rollback()

	var instance interface{}
	if v, ok := item.Meta.FirstString(ap.KroegInstance); ok {
		instance = v
	}
	var box interface{}
	if v, ok := item.Meta.FirstID(ap.KroegBox); ok {
		box = v
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("insert into nodes(id, instance, box) values (%s, %s, %s) on conflict(id) do update set instance = excluded.instance, box = excluded.box",
			s.ph(1), s.ph(2), s.ph(3)),
		iri, instance, box); err != nil {
		return wrap("put", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("delete from attributes where subject = %s", s.ph(1)), iri); err != nil {
		return wrap("put", err)
	}

	insertAttr := fmt.Sprintf(
		"insert into attributes(subject, predicate, ord, is_meta, value_kind, iri_value, literal_value, literal_type, literal_lang) values (%s,%s,%s,%s,%s,%s,%s,%s,%s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))

	write := func(isMeta int, node *ap.Node) error {
		for predicate, values := range node.Attrs {
			for i, v := range values {
				if v.IsValue {
					if _, err := tx.ExecContext(ctx, insertAttr, iri, predicate, i, isMeta, "literal", nil, v.Value, v.Type, nullIfEmpty(v.Language)); err != nil {
						return err
					}
				} else {
					if _, err := tx.ExecContext(ctx, insertAttr, iri, predicate, i, isMeta, "iri", v.ID, nil, nil, nil); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := write(0, item.Main); err != nil {
		return wrap("put", err)
	}
	if err := write(1, item.Meta); err != nil {
		return wrap("put", err)
	}

	return wrap("put", tx.Commit())
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Query evaluates a conjunction of triple patterns. Each pattern is run as
// its own SQL selection over attributes (subject/predicate/object), with
// concrete slots pushed down as SQL filters; placeholders are then unified
// across patterns in Go via a nested-loop join on shared variable numbers.
// This keeps the SQL itself simple (one pattern, one query) while still
// supporting conjunctive multi-pattern queries such as the delivery
// worker's local-follower-of-remote-actor resolution.
func (s *SQLStore) Query(ctx context.Context, patterns []QuadQuery) ([][]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	type binding = map[int]string

	var rowSets [][]binding
	maxVar := -1

	for _, pat := range patterns {
		cond := []string{"predicate = " + s.ph(1)}
		args := []interface{}{pat.Predicate.Value}

		switch {
		case pat.Subject.IsPlaceholder:
			if pat.Subject.Placeholder > maxVar {
				maxVar = pat.Subject.Placeholder
			}
		case len(pat.Subject.Values) > 0:
			cond = append(cond, "subject in "+placeholders(s, &args, toAnySlice(pat.Subject.Values)))
		default:
			cond = append(cond, "subject = "+s.ph(len(args)+1))
			args = append(args, pat.Subject.Value)
		}

		objPlaceholder := -1
		switch {
		case pat.Object.IsValue:
			cond = append(cond, "value_kind = 'literal' and literal_value = "+s.ph(len(args)+1))
			args = append(args, pat.Object.Value)
		case pat.Object.ID != nil && pat.Object.ID.IsPlaceholder:
			objPlaceholder = pat.Object.ID.Placeholder
			if objPlaceholder > maxVar {
				maxVar = objPlaceholder
			}
		case pat.Object.ID != nil && len(pat.Object.ID.Values) > 0:
			cond = append(cond, "value_kind = 'iri' and iri_value in "+placeholders(s, &args, toAnySlice(pat.Object.ID.Values)))
		case pat.Object.ID != nil:
			cond = append(cond, "value_kind = 'iri' and iri_value = "+s.ph(len(args)+1))
			args = append(args, pat.Object.ID.Value)
		}

		query := "select subject, iri_value from attributes where " + strings.Join(cond, " and ")
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrap("query", err)
		}

		var set []binding
		for rows.Next() {
			var subj string
			var obj sql.NullString
			if err := rows.Scan(&subj, &obj); err != nil {
				rows.Close()
				return nil, wrap("query", err)
			}
			b := binding{}
			if pat.Subject.IsPlaceholder {
				b[pat.Subject.Placeholder] = subj
			}
			if objPlaceholder >= 0 && obj.Valid {
				b[objPlaceholder] = obj.String
			}
			set = append(set, b)
		}
		rows.Close()
		rowSets = append(rowSets, set)
	}

	joined := joinBindings(rowSets)
	if maxVar < 0 {
		return nil, nil
	}

	var out [][]string
	for _, b := range joined {
		row := make([]string, maxVar+1)
		complete := true
		for i := 0; i <= maxVar; i++ {
			v, ok := b[i]
			if !ok {
				complete = false
				break
			}
			row[i] = v
		}
		if complete {
			out = append(out, row)
		}
	}
	return out, nil
}

func toAnySlice(vs []string) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// placeholders appends vs to args and returns a SQL "(?, ?, ...)" (or
// "($n, $n+1, ...)" for postgres) clause for an IN filter.
func placeholders(s *SQLStore, args *[]interface{}, vs []interface{}) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		*args = append(*args, v)
		ph[i] = s.ph(len(*args))
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// joinBindings performs a nested-loop natural join across per-pattern
// binding sets, merging rows whose shared placeholder keys agree.
func joinBindings(sets [][]map[int]string) []map[int]string {
	if len(sets) == 0 {
		return nil
	}
	acc := sets[0]
	for _, set := range sets[1:] {
		var next []map[int]string
		for _, a := range acc {
			for _, b := range set {
				merged, ok := mergeBindings(a, b)
				if ok {
					next = append(next, merged)
				}
			}
		}
		acc = next
	}
	return acc
}

func mergeBindings(a, b map[int]string) (map[int]string, bool) {
	merged := map[int]string{}
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		if existing, ok := merged[k]; ok && existing != v {
			return nil, false
		}
		merged[k] = v
	}
	return merged, true
}

func (s *SQLStore) ReadCollection(ctx context.Context, iri string, count int, cursor string) (CollectionPointer, error) {
	if count <= 0 {
		count = 50
	}
	var args []interface{}
	q := fmt.Sprintf("select member, position from collection_items where collection = %s", s.ph(1))
	args = append(args, iri)
	if cursor != "" {
		q += fmt.Sprintf(" and position < %s", s.ph(len(args)+1))
		args = append(args, cursor)
	}
	q += fmt.Sprintf(" order by position desc limit %s", s.ph(len(args)+1))
	args = append(args, count+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return CollectionPointer{}, wrap("read_collection", err)
	}
	defer rows.Close()

	var items []string
	var positions []int64
	for rows.Next() {
		var member string
		var pos int64
		if err := rows.Scan(&member, &pos); err != nil {
			return CollectionPointer{}, wrap("read_collection", err)
		}
		items = append(items, member)
		positions = append(positions, pos)
	}

	var cp CollectionPointer
	hasMore := len(items) > count
	if hasMore {
		items = items[:count]
		positions = positions[:count]
	}
	cp.Items = items
	if len(positions) > 0 {
		first := strconv.FormatInt(positions[0], 10)
		cp.Before = &first
	}
	if hasMore {
		last := strconv.FormatInt(positions[len(positions)-1], 10)
		cp.After = &last
	}
	return cp, nil
}

func (s *SQLStore) ReadCollectionInverse(ctx context.Context, memberIRI string) (CollectionPointer, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("select collection from collection_items where member = %s", s.ph(1)), memberIRI)
	if err != nil {
		return CollectionPointer{}, wrap("read_collection_inverse", err)
	}
	defer rows.Close()
	var out CollectionPointer
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return CollectionPointer{}, wrap("read_collection_inverse", err)
		}
		out.Items = append(out.Items, c)
	}
	return out, nil
}

func (s *SQLStore) FindCollection(ctx context.Context, collection, item string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("select 1 from collection_items where collection = %s and member = %s limit 1", s.ph(1), s.ph(2)),
		collection, item).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrap("find_collection", err)
	}
	return true, nil
}

func (s *SQLStore) InsertCollection(ctx context.Context, collection, item string) error {
	var next int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("select coalesce(max(position), 0) + 1 from collection_items where collection = %s", s.ph(1)), collection).Scan(&next)
	if err != nil {
		return wrap("insert_collection", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("insert into collection_items(collection, member, position, inserted_at) values (%s, %s, %s, %s)", s.ph(1), s.ph(2), s.ph(3), s.ph(4)),
		collection, item, next, time.Now().Unix())
	return wrap("insert_collection", err)
}

func (s *SQLStore) RemoveCollection(ctx context.Context, collection, item string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("delete from collection_items where collection = %s and member = %s", s.ph(1), s.ph(2)), collection, item)
	return wrap("remove_collection", err)
}
