package saga

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"forum/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJournal(t *testing.T) Journal {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Each new connection to :memory: would see an empty database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Record{}))
	return NewGormJournal(db)
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

// recorder is a fake saga whose steps append to a log and fail on demand.
type recorder struct {
	log      []string
	failDo   map[string]int
	failComp map[string]bool
}

func newRecorder() *recorder {
	return &recorder{failDo: map[string]int{}, failComp: map[string]bool{}}
}

func (r *recorder) step(name string) Step {
	return Step{
		Name: name,
		Do: func(context.Context) error {
			if r.failDo[name] > 0 {
				r.failDo[name]--
				return errors.New(name + " failed")
			}
			r.log = append(r.log, "do:"+name)
			return nil
		},
		Compensate: func(context.Context) error {
			if r.failComp[name] {
				return errors.New("undo " + name + " failed")
			}
			r.log = append(r.log, "undo:"+name)
			return nil
		},
	}
}

type testPayload struct {
	ID string `json:"id"`
}

func (r *recorder) definition(payload *testPayload) Definition {
	return Definition{
		Kind:    "test",
		Subject: "ana",
		Payload: payload,
		Steps:   []Step{r.step("a"), r.step("b"), r.step("c")},
	}
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("all steps succeed", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		runner := NewRunner(journal)

		require.NoError(t, runner.Run(ctx, rec.definition(&testPayload{ID: "x"})))
		assert.Equal(t, []string{"do:a", "do:b", "do:c"}, rec.log)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("first step failure returns the error and journals nothing", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["a"] = 1
		runner := NewRunner(journal)

		err := runner.Run(ctx, rec.definition(&testPayload{}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, models.ErrPartialFailure))
		assert.Empty(t, rec.log)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("later failure journals and leaves earlier writes", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 1
		runner := NewRunner(journal)

		payload := &testPayload{}
		def := rec.definition(payload)
		payload.ID = "assigned-by-step-a"

		err := runner.Run(ctx, def)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPartialFailure)
		assert.True(t, IsPartial(err))
		assert.Equal(t, []string{"do:a"}, rec.log, "no inline rollback")

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "test", pending[0].Kind)
		assert.Equal(t, "ana", pending[0].Subject)
		assert.Equal(t, 1, pending[0].Completed)
		assert.Equal(t, StatusFailed, pending[0].Status)
		assert.JSONEq(t, `{"id":"assigned-by-step-a"}`, pending[0].Payload)
	})

	t.Run("inline compensation undoes completed steps", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["c"] = 1
		runner := NewRunner(journal, WithInlineCompensation(func(subject string) bool {
			return subject == "ana"
		}))

		err := runner.Run(ctx, rec.definition(&testPayload{}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, models.ErrPartialFailure))
		assert.Equal(t, []string{"do:a", "do:b", "undo:b", "undo:a"}, rec.log)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("aborting errors undo completed steps and return the cause", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		def := rec.definition(&testPayload{})
		def.Steps[1].Do = func(context.Context) error { return models.NewConflictError("taken") }
		def.Abort = func(err error) bool { return errors.Is(err, models.ErrConflict) }

		err := NewRunner(journal).Run(ctx, def)
		assert.True(t, errors.Is(err, models.ErrConflict))
		assert.False(t, errors.Is(err, models.ErrPartialFailure))
		assert.Equal(t, []string{"do:a", "undo:a"}, rec.log)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("other errors are still journaled when Abort is set", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 1
		def := rec.definition(&testPayload{})
		def.Abort = func(err error) bool { return errors.Is(err, models.ErrConflict) }

		err := NewRunner(journal).Run(ctx, def)
		assert.ErrorIs(t, err, models.ErrPartialFailure)
		assert.Equal(t, []string{"do:a"}, rec.log)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("failed inline compensation falls back to the journal", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["c"] = 1
		rec.failComp["a"] = true
		runner := NewRunner(journal, WithInlineCompensation(func(string) bool { return true }))

		err := runner.Run(ctx, rec.definition(&testPayload{}))
		assert.ErrorIs(t, err, models.ErrPartialFailure)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestRunner_Replay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rolls forward from the completed step", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 1
		runner := NewRunner(journal)

		var rebuiltWith testPayload
		runner.Register("test", func(payload json.RawMessage) (Definition, error) {
			require.NoError(t, json.Unmarshal(payload, &rebuiltWith))
			return rec.definition(&rebuiltWith), nil
		})

		require.Error(t, runner.Run(ctx, rec.definition(&testPayload{ID: "p1"})))

		report, err := runner.Replay(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, ReplayReport{Replayed: 1, Completed: 1}, report)
		assert.Equal(t, "p1", rebuiltWith.ID)
		assert.Equal(t, []string{"do:a", "do:b", "do:c"}, rec.log, "step a is not re-run")

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)

		done, err := journal.List(ctx, StatusCompleted, 0)
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, 2, done[0].Attempts)
		assert.Equal(t, 3, done[0].Completed)
	})

	t.Run("compensates after max attempts", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 10
		runner := NewRunner(journal, WithMaxAttempts(2))
		runner.Register("test", func(json.RawMessage) (Definition, error) {
			return rec.definition(&testPayload{}), nil
		})

		require.Error(t, runner.Run(ctx, rec.definition(&testPayload{})))

		report, err := runner.Replay(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, ReplayReport{Replayed: 1, Compensated: 1}, report)
		assert.Equal(t, []string{"do:a", "undo:a"}, rec.log)

		compensated, err := journal.List(ctx, StatusCompensated, 0)
		require.NoError(t, err)
		assert.Len(t, compensated, 1)
	})

	t.Run("keeps the record when replay fails below max attempts", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 2
		runner := NewRunner(journal, WithMaxAttempts(5))
		runner.Register("test", func(json.RawMessage) (Definition, error) {
			return rec.definition(&testPayload{}), nil
		})

		require.Error(t, runner.Run(ctx, rec.definition(&testPayload{})))

		report, err := runner.Replay(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, report.StillFailed)

		pending, err := journal.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 2, pending[0].Attempts)
	})

	t.Run("unknown kinds stay journaled", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 1
		runner := NewRunner(journal)

		require.Error(t, runner.Run(ctx, rec.definition(&testPayload{})))

		report, err := runner.Replay(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, report.StillFailed)
	})

	t.Run("unbuildable payloads are abandoned", func(t *testing.T) {
		t.Parallel()
		journal := setupJournal(t)
		rec := newRecorder()
		rec.failDo["b"] = 1
		runner := NewRunner(journal)
		runner.Register("test", func(json.RawMessage) (Definition, error) {
			return Definition{}, errors.New("bad payload")
		})

		require.Error(t, runner.Run(ctx, rec.definition(&testPayload{})))

		report, err := runner.Replay(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Abandoned)
	})
}

func TestGormJournal_ErrorPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pending query failure", func(t *testing.T) {
		db, mock := setupMockDB(t)
		journal := NewGormJournal(db)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "saga_records" WHERE status = $1`)).
			WillReturnError(errors.New("connection reset"))

		_, err := journal.Pending(ctx, 10)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create failure is logged and still reported as partial", func(t *testing.T) {
		db, mock := setupMockDB(t)
		runner := NewRunner(NewGormJournal(db))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "saga_records"`)).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		rec := newRecorder()
		rec.failDo["b"] = 1
		err := runner.Run(ctx, rec.definition(&testPayload{}))
		assert.ErrorIs(t, err, models.ErrPartialFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay surfaces journal errors", func(t *testing.T) {
		db, mock := setupMockDB(t)
		runner := NewRunner(NewGormJournal(db))

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "saga_records"`)).
			WillReturnError(errors.New("connection reset"))

		_, err := runner.Replay(ctx, 0)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunner_StepsWithoutCompensationOnlyRollForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	journal := setupJournal(t)
	rec := newRecorder()
	rec.failDo["b"] = 5

	def := rec.definition(&testPayload{})
	def.Steps[0].Compensate = nil

	runner := NewRunner(journal, WithMaxAttempts(2), WithInlineCompensation(func(string) bool { return true }))
	runner.Register("test", func(json.RawMessage) (Definition, error) {
		d := rec.definition(&testPayload{})
		d.Steps[0].Compensate = nil
		return d, nil
	})

	err := runner.Run(ctx, def)
	require.Error(t, err)
	assert.True(t, IsPartial(err))

	report, err := runner.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Replayed: 1, Abandoned: 1}, report)
	assert.Equal(t, []string{"do:a"}, rec.log)
}
