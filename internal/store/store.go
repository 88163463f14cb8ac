package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store wraps the shared Postgres database used by every pipeline stage.
type Store struct {
	DB *sql.DB
}

// Enrichment statuses persisted on bill rows. Each stage selects rows in the
// preceding status and advances them exactly one step.
const (
	StatusRaw         = "raw"
	StatusCategorized = "categorized"
	StatusEmbedded    = "embedded"
	StatusScored      = "scored"
)

// DefaultEmbeddingDimensions indicates the expected length of vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// BillKey is the natural key identifying one legislative item.
type BillKey struct {
	Type     string
	Number   int
	Congress int
}

// ID renders the key in its canonical identifier form, e.g. "HR-42-119".
func (k BillKey) ID() string {
	return fmt.Sprintf("%s-%d-%d", strings.ToUpper(k.Type), k.Number, k.Congress)
}

// ParseBillID parses a canonical identifier back into a BillKey.
func ParseBillID(id string) (BillKey, error) {
	parts := strings.Split(strings.TrimSpace(id), "-")
	if len(parts) != 3 {
		return BillKey{}, fmt.Errorf("malformed bill id %q", id)
	}
	number, err := strconv.Atoi(parts[1])
	if err != nil {
		return BillKey{}, fmt.Errorf("malformed bill number in %q", id)
	}
	congress, err := strconv.Atoi(parts[2])
	if err != nil {
		return BillKey{}, fmt.Errorf("malformed congress in %q", id)
	}
	if parts[0] == "" {
		return BillKey{}, fmt.Errorf("malformed bill type in %q", id)
	}
	return BillKey{Type: strings.ToUpper(parts[0]), Number: number, Congress: congress}, nil
}

// Bill is one row of the record store. Enrichment fields are progressively
// filled by the pipeline; Status tracks which of them are set.
type Bill struct {
	Key            BillKey
	Title          string
	Sponsor        string
	Party          string
	IntroducedAt   time.Time
	LatestActionAt time.Time
	LatestAction   string
	Committees     []string
	Cosponsors     []string
	Subjects       []string
	Summary        string
	Status         string
	Category       string
	Embedding      []float32
	Subscores      map[string]float64
}

// ReferenceVector is one seeded subcategory vector used by the scorer.
type ReferenceVector struct {
	Category    string
	Subcategory string
	Vector      []float32
}

// QuarantineRecord captures an identifier that exhausted its fetch retries.
type QuarantineRecord struct {
	Key        BillKey
	Reason     string
	Deliveries int64
	FirstSeen  time.Time
	LastSeen   time.Time
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// UpsertBill inserts a bill by natural key or refreshes its raw fields.
// Enrichment columns and status are left untouched on conflict so a re-fetch
// repair never regresses downstream progress.
func (s *Store) UpsertBill(ctx context.Context, b Bill) error {
	if b.Key.Type == "" || b.Key.Number <= 0 || b.Key.Congress <= 0 {
		return fmt.Errorf("bill key incomplete: %+v", b.Key)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO bills (bill_type, bill_number, congress, title, sponsor, party, introduced_at, latest_action_at, latest_action, committees, cosponsors, subjects, summary, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())
ON CONFLICT (bill_type, bill_number, congress) DO UPDATE SET
  title = EXCLUDED.title,
  sponsor = EXCLUDED.sponsor,
  party = EXCLUDED.party,
  introduced_at = EXCLUDED.introduced_at,
  latest_action_at = EXCLUDED.latest_action_at,
  latest_action = EXCLUDED.latest_action,
  committees = EXCLUDED.committees,
  cosponsors = EXCLUDED.cosponsors,
  subjects = EXCLUDED.subjects,
  summary = EXCLUDED.summary,
  updated_at = NOW();
`,
		b.Key.Type, b.Key.Number, b.Key.Congress, b.Title, b.Sponsor, b.Party,
		nullDate(b.IntroducedAt), nullDate(b.LatestActionAt), b.LatestAction,
		pq.Array(b.Committees), pq.Array(b.Cosponsors), pq.Array(b.Subjects),
		b.Summary, StatusRaw)
	if err != nil {
		return fmt.Errorf("upsert bill %s: %w", b.Key.ID(), err)
	}
	return nil
}

// BillExists reports whether a row with the given natural key is present.
func (s *Store) BillExists(ctx context.Context, key BillKey) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bills WHERE bill_type=$1 AND bill_number=$2 AND congress=$3)`,
		key.Type, key.Number, key.Congress).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("bill exists %s: %w", key.ID(), err)
	}
	return exists, nil
}

// SelectByStatus returns up to limit bills in the given enrichment status,
// oldest first so no record starves.
func (s *Store) SelectByStatus(ctx context.Context, status string, limit int) ([]Bill, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT bill_type, bill_number, congress, title, committees, summary, category, embedding
FROM bills
WHERE status = $1
ORDER BY updated_at ASC
LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("select bills by status %s: %w", status, err)
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		var (
			b         Bill
			category  sql.NullString
			embedding sql.NullString
		)
		if err := rows.Scan(&b.Key.Type, &b.Key.Number, &b.Key.Congress, &b.Title,
			pq.Array(&b.Committees), &b.Summary, &category, &embedding); err != nil {
			return nil, fmt.Errorf("scan bill row: %w", err)
		}
		b.Status = status
		b.Category = category.String
		if embedding.Valid {
			vec, err := decodeVectorLiteral(embedding.String)
			if err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", b.Key.ID(), err)
			}
			b.Embedding = vec
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// CountByStatus returns how many bills remain in the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bills WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bills by status %s: %w", status, err)
	}
	return n, nil
}

// UpdateCategory records the classification result and advances the status.
func (s *Store) UpdateCategory(ctx context.Context, key BillKey, category string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE bills SET category = $4, status = $5, updated_at = NOW()
WHERE bill_type=$1 AND bill_number=$2 AND congress=$3`,
		key.Type, key.Number, key.Congress, category, StatusCategorized)
	if err != nil {
		return fmt.Errorf("update category %s: %w", key.ID(), err)
	}
	return requireRow(res, key)
}

// DeleteBill removes a row; used when the model reports insufficient
// information so the record can be re-collected on a later sync.
func (s *Store) DeleteBill(ctx context.Context, key BillKey) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM bills WHERE bill_type=$1 AND bill_number=$2 AND congress=$3`,
		key.Type, key.Number, key.Congress)
	if err != nil {
		return fmt.Errorf("delete bill %s: %w", key.ID(), err)
	}
	return nil
}

// UpdateEmbedding stores the vector and advances the status.
func (s *Store) UpdateEmbedding(ctx context.Context, key BillKey, vector []float32) error {
	literal, err := encodeVectorLiteral(vector)
	if err != nil {
		return fmt.Errorf("embedding for %s: %w", key.ID(), err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE bills SET embedding = $4::vector, status = $5, updated_at = NOW()
WHERE bill_type=$1 AND bill_number=$2 AND congress=$3 AND category IS NOT NULL`,
		key.Type, key.Number, key.Congress, literal, StatusEmbedded)
	if err != nil {
		return fmt.Errorf("update embedding %s: %w", key.ID(), err)
	}
	return requireRow(res, key)
}

// UpdateSubscores stores the subcategory similarity map and advances the
// status. An empty map is stored as {} rather than NULL so the scorer never
// reselects the row.
func (s *Store) UpdateSubscores(ctx context.Context, key BillKey, scores map[string]float64) error {
	if scores == nil {
		scores = map[string]float64{}
	}
	payload, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshal subscores: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE bills SET subscores = $4, status = $5, updated_at = NOW()
WHERE bill_type=$1 AND bill_number=$2 AND congress=$3 AND embedding IS NOT NULL`,
		key.Type, key.Number, key.Congress, payload, StatusScored)
	if err != nil {
		return fmt.Errorf("update subscores %s: %w", key.ID(), err)
	}
	return requireRow(res, key)
}

// InsertQuarantine records an identifier that exhausted its retries.
func (s *Store) InsertQuarantine(ctx context.Context, key BillKey, reason string, deliveries int64) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO quarantine (bill_type, bill_number, congress, reason, deliveries, first_seen, last_seen)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
ON CONFLICT (bill_type, bill_number, congress) DO UPDATE SET
  reason = EXCLUDED.reason,
  deliveries = EXCLUDED.deliveries,
  last_seen = NOW();
`, key.Type, key.Number, key.Congress, reason, deliveries)
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", key.ID(), err)
	}
	return nil
}

// ReferenceVectors loads every seeded subcategory vector grouped by category.
func (s *Store) ReferenceVectors(ctx context.Context) (map[string][]ReferenceVector, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT category, subcategory, embedding FROM category_vectors ORDER BY category, subcategory`)
	if err != nil {
		return nil, fmt.Errorf("load reference vectors: %w", err)
	}
	defer rows.Close()

	out := map[string][]ReferenceVector{}
	for rows.Next() {
		var (
			rv      ReferenceVector
			literal string
		)
		if err := rows.Scan(&rv.Category, &rv.Subcategory, &literal); err != nil {
			return nil, fmt.Errorf("scan reference vector: %w", err)
		}
		rv.Vector, err = decodeVectorLiteral(literal)
		if err != nil {
			return nil, fmt.Errorf("decode reference vector %s/%s: %w", rv.Category, rv.Subcategory, err)
		}
		out[rv.Category] = append(out[rv.Category], rv)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, key BillKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bill %s not updated (missing or precondition unmet)", key.ID())
	}
	return nil
}

func nullDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", part, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
