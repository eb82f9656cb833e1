package batch_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/lifecycle"
	"scriptcustody/memstore"
)

var (
	invigilator = auth.Actor{ID: "inv-a", Role: auth.RoleInvigilator}
	lecturer    = auth.Actor{ID: "lec-l", Role: auth.RoleLecturer}
	staff       = auth.Actor{ID: "staff-1", Role: auth.RoleStaff}
	admin       = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

func newService(t *testing.T) (*batch.Service, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	ids := 0
	svc := batch.NewService(memstore.New()).
		WithLogger(zap.New(core)).
		WithClock(func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.FixedZone("EAT", 3*3600)) }).
		WithIDGenerator(func() string {
			ids++
			return "batch-" + strconv.Itoa(ids)
		})
	return svc, logs
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, logs := newService(t)

	b, err := svc.Create(ctx, batch.CreateParams{CourseRef: "  CS101 ", SessionLabel: "June", Actor: invigilator})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", b.ID)
	assert.Equal(t, "CS101", b.CourseRef)
	assert.Equal(t, lifecycle.StatusCollecting, b.Status)
	assert.Equal(t, invigilator.ID, b.CreatedBy)
	assert.Equal(t, time.UTC, b.CreatedAt.Location())

	got, err := svc.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	require.Equal(t, 1, logs.FilterMessage("batch created").Len())
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Create(ctx, batch.CreateParams{CourseRef: "CS101", Actor: lecturer})
	assert.ErrorIs(t, err, batch.ErrForbidden)

	_, err = svc.Create(ctx, batch.CreateParams{CourseRef: "CS101", Actor: staff})
	assert.ErrorIs(t, err, batch.ErrForbidden)

	_, err = svc.Create(ctx, batch.CreateParams{CourseRef: "  ", Actor: admin})
	assert.ErrorIs(t, err, batch.ErrInvalidInput)

	_, err = svc.Create(ctx, batch.CreateParams{CourseRef: "CS101"})
	assert.ErrorIs(t, err, batch.ErrInvalidInput)
}

func TestGetByIDMissing(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	a, err := svc.Create(ctx, batch.CreateParams{CourseRef: "CS101", Actor: invigilator})
	require.NoError(t, err)
	_, err = svc.Create(ctx, batch.CreateParams{CourseRef: "MA201", Actor: invigilator})
	require.NoError(t, err)
	_, err = svc.Report(ctx, batch.ReportParams{BatchID: a.ID, Trigger: lifecycle.TriggerSessionSubmitted, Actor: invigilator})
	require.NoError(t, err)

	all, err := svc.List(ctx, batch.Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byCourse, err := svc.List(ctx, batch.Filters{CourseRef: "MA201"})
	require.NoError(t, err)
	require.Len(t, byCourse, 1)
	assert.Equal(t, "MA201", byCourse[0].CourseRef)

	awaiting, err := svc.List(ctx, batch.Filters{Status: lifecycle.StatusAwaitingTransfer})
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, a.ID, awaiting[0].ID)
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	svc, logs := newService(t)

	b, err := svc.Create(ctx, batch.CreateParams{CourseRef: "CS101", Actor: invigilator})
	require.NoError(t, err)

	t.Run("unknown trigger", func(t *testing.T) {
		_, err := svc.Report(ctx, batch.ReportParams{BatchID: b.ID, Trigger: "teleported", Actor: invigilator})
		assert.ErrorIs(t, err, batch.ErrInvalidTrigger)
	})

	t.Run("transfer triggers are reserved", func(t *testing.T) {
		for _, trig := range []lifecycle.Trigger{
			lifecycle.TriggerTransferInitiated,
			lifecycle.TriggerTransferConfirmed,
			lifecycle.TriggerDiscrepancyReported,
			lifecycle.TriggerTransferResolved,
		} {
			_, err := svc.Report(ctx, batch.ReportParams{BatchID: b.ID, Trigger: trig, Actor: admin})
			assert.ErrorIs(t, err, batch.ErrReservedTrigger, trig)
		}
	})

	t.Run("staff may not report", func(t *testing.T) {
		_, err := svc.Report(ctx, batch.ReportParams{BatchID: b.ID, Trigger: lifecycle.TriggerSessionSubmitted, Actor: staff})
		assert.ErrorIs(t, err, batch.ErrForbidden)
	})

	t.Run("illegal transition", func(t *testing.T) {
		_, err := svc.Report(ctx, batch.ReportParams{BatchID: b.ID, Trigger: lifecycle.TriggerGradingStarted, Actor: lecturer})
		assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	})

	t.Run("legal transition", func(t *testing.T) {
		updated, err := svc.Report(ctx, batch.ReportParams{BatchID: b.ID, Trigger: lifecycle.TriggerSessionSubmitted, Actor: invigilator})
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusAwaitingTransfer, updated.Status)
		assert.Equal(t, 1, logs.FilterMessage("batch lifecycle advanced").Len())
	})

	t.Run("missing batch", func(t *testing.T) {
		_, err := svc.Report(ctx, batch.ReportParams{BatchID: "nope", Trigger: lifecycle.TriggerSessionSubmitted, Actor: invigilator})
		assert.ErrorIs(t, err, batch.ErrNotFound)
	})
}

type racingRepo struct {
	batch.Repository
}

func (racingRepo) UpdateStatus(context.Context, string, lifecycle.Status, lifecycle.Status) (batch.Batch, error) {
	return batch.Batch{}, batch.ErrStatusChanged
}

func TestReportSurfacesConcurrentStatusChange(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	created, err := batch.NewService(store).Create(ctx, batch.CreateParams{CourseRef: "CS101", Actor: invigilator})
	require.NoError(t, err)

	svc := batch.NewService(racingRepo{Repository: store})
	_, err = svc.Report(ctx, batch.ReportParams{BatchID: created.ID, Trigger: lifecycle.TriggerSessionSubmitted, Actor: invigilator})
	assert.ErrorIs(t, err, batch.ErrStatusChanged)
}
