package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	"github.com/i474232898/air-quality-etl/internal/scheduler"
	"github.com/i474232898/air-quality-etl/internal/store"
)

var validate = validator.New()

// StatusSource reports the scheduler state.
type StatusSource interface {
	Status() scheduler.Status
}

// RunLister lists recorded pipeline runs, newest first.
type RunLister interface {
	List(ctx context.Context, limit int) ([]airquality.RunReport, error)
}

// ReadingStore is the read side of the persisted dataset.
type ReadingStore interface {
	Load(ctx context.Context) ([]airquality.Reading, error)
	Latest(ctx context.Context) (airquality.Reading, error)
	Range(ctx context.Context, from, to time.Time) ([]airquality.Reading, error)
}

// Stopper accepts an operator stop request and reports whether it was the first.
type Stopper interface {
	Stop() bool
}

// Deps are the collaborators behind the routes. Runs may be nil when the run
// ledger is disabled.
type Deps struct {
	Scheduler StatusSource
	Runs      RunLister
	Readings  ReadingStore
	Stop      Stopper
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/api/v1")

	v1.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(deps.Scheduler.Status())
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		if deps.Runs == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "run ledger is disabled")
		}
		var q runsQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runs, err := deps.Runs.List(c.UserContext(), q.Limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list runs")
		}
		if runs == nil {
			runs = []airquality.RunReport{}
		}
		return c.JSON(fiber.Map{"runs": runs})
	})

	v1.Get("/readings/latest", func(c *fiber.Ctx) error {
		reading, err := deps.Readings.Latest(c.UserContext())
		if err != nil {
			return readError(err, "no air-quality data recorded yet")
		}
		return c.JSON(reading)
	})

	v1.Get("/readings", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		readings, err := deps.Readings.Range(c.UserContext(), req.From, req.To)
		if err != nil {
			return readError(err, "no air-quality data for requested range")
		}
		return c.JSON(fiber.Map{
			"from":     req.From.Format(airquality.TimestampLayout),
			"to":       req.To.Format(airquality.TimestampLayout),
			"readings": readings,
		})
	})

	v1.Get("/summary", func(c *fiber.Ctx) error {
		q := summaryQuery{Feature: c.Query("feature", "aqi")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		readings, err := deps.Readings.Load(c.UserContext())
		if err != nil {
			return readError(err, "no air-quality data recorded yet")
		}
		summary, err := airquality.Summarize(readings, q.Feature)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(summary)
	})

	v1.Post("/control/stop", func(c *fiber.Ctx) error {
		first := deps.Stop.Stop()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"stopping":    true,
			"alreadySent": !first,
		})
	})
}

func readError(err error, notFound string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, notFound)
	}
	return fiber.NewError(fiber.StatusInternalServerError, "failed to read dataset")
}

// runsQuery holds query parameters for the runs endpoint.
type runsQuery struct {
	Limit int `validate:"min=1,max=500"`
}

func (q *runsQuery) bind(c *fiber.Ctx) error {
	q.Limit = 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("limit must be an integer")
		}
		q.Limit = n
	}
	return validate.Struct(q)
}

// rangeQuery holds query parameters for the readings endpoint.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	r.From = from
	r.To = to
	return nil
}

// summaryQuery selects the feature to describe.
type summaryQuery struct {
	Feature string `validate:"oneof=aqi co no2 o3 pm10 pm25 so2 pm10_pm25_ratio no2_o3_ratio co_so2_ratio"`
}

// parseTime accepts the dataset layout, RFC3339 or unix seconds. Timestamps
// with an offset are compared by their wall clock, like the dataset index.
func parseTime(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	if ts, err := airquality.ParseTimestamp(s); err == nil {
		return ts, nil
	}
	return time.Time{}, errors.New("invalid time format; use 2006-01-02 15:04:05, RFC3339 or unix seconds")
}
