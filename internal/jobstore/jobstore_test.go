package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/decoder"
	"github.com/MrWong99/forcealign/pkg/transcript"
)

func sampleResult() *align.Transcription {
	ref := transcript.Tokenize("hello world", transcript.NewVocabulary("hello", "world"))
	return &align.Transcription{
		Transcript: "hello world",
		Words: []align.Word{
			align.NewSuccess(ref.Token(0), decoder.Token{Word: "hello", Start: 0.5, Duration: 0.25}),
			align.NewNotFoundInAudio(ref.Token(1)),
		},
		Duration: 2,
	}
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStore_CreateGet(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()

	job := &Job{ID: "a", Status: StatusQueued, Transcript: "hello world"}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt was not set")
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued || got.Transcript != "hello world" {
		t.Errorf("got %+v", got)
	}

	if err := s.Create(ctx, &Job{ID: "a"}); err == nil {
		t.Error("duplicate Create should fail")
	}
}

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()
	_, err := NewMemStore().Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_Update(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Create(ctx, &Job{ID: "a", Status: StatusQueued, Transcript: "t"}); err != nil {
		t.Fatal(err)
	}

	res := sampleResult()
	if err := s.Update(ctx, &Job{ID: "a", Status: StatusOK, Percent: 1, Result: res}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Status != StatusOK || got.Result != res {
		t.Errorf("got %+v", got)
	}
	if got.Transcript != "t" {
		t.Errorf("Update changed the transcript to %q", got.Transcript)
	}

	err := s.Update(ctx, &Job{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		if err := s.Create(ctx, &Job{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"third", "second", "first"}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d] = %q, want %q", i, jobs[i].ID, id)
		}
	}
}

func TestMemStore_Delete(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Create(ctx, &Job{ID: "a"})
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStatus_Done(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusQueued, StatusTranscribing, StatusAligning, StatusRefining, StatusOptimizing} {
		if s.Done() {
			t.Errorf("%s should not be done", s)
		}
	}
	for _, s := range []Status{StatusOK, StatusError} {
		if !s.Done() {
			t.Errorf("%s should be done", s)
		}
	}
}

// ---------------------------------------------------------------------------
// PostgresStore: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return scanInto(r.data[r.idx-1], dest) }

func scanInto(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case *[]byte:
			if v == nil {
				*d = nil
			} else {
				*d = v.([]byte)
			}
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func jobRow(id string, status Status, result []byte, created time.Time) []any {
	var res any
	if result != nil {
		res = result
	}
	return []any{id, string(status), "", 1.0, "hello world", res, 2.0, "", created, created}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var executed string
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS alignment_jobs") {
		t.Errorf("unexpected DDL: %s", executed)
	}
}

func TestPostgresStore_MigrateError(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}})
	if err := s.Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "jobstore: migrate") {
		t.Errorf("err = %v, want wrapped migrate error", err)
	}
}

func TestPostgresStore_CreateEncodesResult(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var gotArgs []any
	s := NewPostgresStore(&mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*time.Time) = now
			*dest[1].(*time.Time) = now
			return nil
		}}
	}})

	job := &Job{ID: "a", Status: StatusOK, Result: sampleResult()}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !job.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", job.CreatedAt, now)
	}
	if gotArgs[1] != "OK" {
		t.Errorf("status arg = %v, want OK", gotArgs[1])
	}
	data, ok := gotArgs[5].([]byte)
	if !ok || !json.Valid(data) || !strings.Contains(string(data), `"transcript":"hello world"`) {
		t.Errorf("result arg = %s", gotArgs[5])
	}
	if gotArgs[6] != 2.0 {
		t.Errorf("duration arg = %v, want 2", gotArgs[6])
	}
}

func TestPostgresStore_CreateWithoutResult(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	s := NewPostgresStore(&mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{scanFunc: func(...any) error { return nil }}
	}})
	if err := s.Create(context.Background(), &Job{ID: "a", Status: StatusQueued}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b, _ := gotArgs[5].([]byte); b != nil {
		t.Errorf("result arg = %s, want NULL", b)
	}
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return &pgconn.PgError{Code: "23505"} }}
	}})
	err := s.Create(context.Background(), &Job{ID: "a"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want duplicate error", err)
	}
}

func TestPostgresStore_GetDecodesResult(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(sampleResult())
	if err != nil {
		t.Fatal(err)
	}
	row := jobRow("a", StatusOK, data, time.Now())
	s := NewPostgresStore(&mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return scanInto(row, dest) }}
	}})

	job, err := s.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusOK || job.Result == nil {
		t.Fatalf("got %+v", job)
	}
	if job.Result.Duration != 2 {
		t.Errorf("duration = %v, want 2", job.Result.Duration)
	}
	want := sampleResult()
	if len(job.Result.Words) != len(want.Words) {
		t.Fatalf("got %d words, want %d", len(job.Result.Words), len(want.Words))
	}
	for i := range want.Words {
		if !job.Result.Words[i].Equal(want.Words[i]) {
			t.Errorf("word %d = %+v, want %+v", i, job.Result.Words[i], want.Words[i])
		}
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{})
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{})
	err := s.Update(context.Background(), &Job{ID: "nope", Status: StatusError, Error: "boom"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	now := time.Now()
	rows := &mockRows{data: [][]any{
		jobRow("b", StatusRefining, nil, now),
		jobRow("a", StatusQueued, nil, now.Add(-time.Minute)),
	}}
	s := NewPostgresStore(&mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY created_at DESC") {
			t.Errorf("list query not ordered newest first: %s", sql)
		}
		return rows, nil
	}})

	jobs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "b" || jobs[0].Status != StatusRefining || jobs[1].Result != nil {
		t.Errorf("got %+v", jobs)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestPostgresStore_ListRowsError(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("conn reset")}, nil
	}})
	if _, err := s.List(context.Background()); err == nil {
		t.Error("expected error from rows.Err")
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "a" {
		t.Errorf("args = %v", gotArgs)
	}
}
