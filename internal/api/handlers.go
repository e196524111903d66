package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/minds"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/requestid"
	"github.com/p-blackswan/mindkeeper/internal/variant"
)

const defaultDeadLetterLimit = 100

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	keepAlive time.Duration
	done      <-chan struct{}
	logger    zerolog.Logger
}

// NewHandlers creates a new Handlers instance. done is closed when the
// server shuts down.
func NewHandlers(deps Deps, keepAlive time.Duration, done <-chan struct{}, logger zerolog.Logger) *Handlers {
	return &Handlers{
		deps:      deps,
		keepAlive: keepAlive,
		done:      done,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.deps.Checker != nil && !h.deps.Checker.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": h.deps.Checker.Last(),
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// ListMinds handles GET /api/v1/minds.
func (h *Handlers) ListMinds(c *fiber.Ctx) error {
	entries, err := h.deps.Registry.List()
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]MindResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.mindResponse(e))
	}
	return c.JSON(MindListResponse{Minds: out, Total: len(out)})
}

// CreateMind handles POST /api/v1/minds.
func (h *Handlers) CreateMind(c *fiber.Ctx) error {
	var req CreateMindRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	entry, err := h.deps.Minds.Create(c.UserContext(), req.Name,
		minds.CreateOptions{Template: req.Template, Start: req.Start})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(h.mindResponse(*entry))
}

// GetMind handles GET /api/v1/minds/:name.
func (h *Handlers) GetMind(c *fiber.Ctx) error {
	name := c.Params("name")
	entry, err := h.deps.Registry.Get(name)
	if err != nil {
		return errorResponse(c, err)
	}
	resp := h.mindResponse(*entry)
	if up, err := h.deps.Minds.UpgradeAvailable(name); err != nil {
		h.log(c).Warn().Err(err).Str("mind", name).Msg("template check failed")
	} else {
		resp.UpgradeAvailable = up
	}
	variants, err := h.variantResponses(name)
	if err != nil {
		return errorResponse(c, err)
	}
	resp.Variants = variants
	return c.JSON(resp)
}

// DeleteMind handles DELETE /api/v1/minds/:name.
func (h *Handlers) DeleteMind(c *fiber.Ctx) error {
	if err := h.deps.Minds.Delete(c.UserContext(), c.Params("name")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// StartMind handles POST /api/v1/minds/:name/start.
func (h *Handlers) StartMind(c *fiber.Ctx) error {
	return h.control(c, c.Params("name"), h.deps.Supervisor.Start)
}

// StopMind handles POST /api/v1/minds/:name/stop.
func (h *Handlers) StopMind(c *fiber.Ctx) error {
	return h.control(c, c.Params("name"), h.deps.Supervisor.Stop)
}

// RestartMind handles POST /api/v1/minds/:name/restart.
func (h *Handlers) RestartMind(c *fiber.Ctx) error {
	return h.control(c, c.Params("name"), h.deps.Supervisor.Restart)
}

// SproutMind handles POST /api/v1/minds/:name/sprout.
func (h *Handlers) SproutMind(c *fiber.Ctx) error {
	entry, err := h.deps.Minds.Sprout(c.Params("name"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.mindResponse(*entry))
}

// ListVariants handles GET /api/v1/minds/:name/variants.
func (h *Handlers) ListVariants(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := h.deps.Registry.Get(name); err != nil {
		return errorResponse(c, err)
	}
	out, err := h.variantResponses(name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(VariantListResponse{Variants: out, Total: len(out)})
}

// ForkVariant handles POST /api/v1/minds/:name/variants.
func (h *Handlers) ForkVariant(c *fiber.Ctx) error {
	var req ForkRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	mind := c.Params("name")
	v, err := h.deps.Variants.Fork(c.UserContext(), mind, req.Name, req.ForkOptions)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(VariantResponse{
		Variant: *v,
		Running: h.deps.Supervisor.IsRunning(registry.Key(mind, v.Name)),
	})
}

// DeleteVariant handles DELETE /api/v1/minds/:name/variants/:variant.
func (h *Handlers) DeleteVariant(c *fiber.Ctx) error {
	if err := h.deps.Variants.Delete(c.UserContext(), c.Params("name"), c.Params("variant")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// StartVariant handles POST /api/v1/minds/:name/variants/:variant/start.
func (h *Handlers) StartVariant(c *fiber.Ctx) error {
	return h.controlVariant(c, h.deps.Supervisor.Start)
}

// StopVariant handles POST /api/v1/minds/:name/variants/:variant/stop.
func (h *Handlers) StopVariant(c *fiber.Ctx) error {
	return h.controlVariant(c, h.deps.Supervisor.Stop)
}

// MergeVariant handles POST /api/v1/minds/:name/variants/:variant/merge.
func (h *Handlers) MergeVariant(c *fiber.Ctx) error {
	var opts variant.MergeOptions
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&opts); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}
	res, err := h.deps.Variants.Merge(c.UserContext(), c.Params("name"), c.Params("variant"), opts)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(res)
}

// ListDeadLetters handles GET /api/v1/dead-letters.
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultDeadLetterLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultDeadLetterLimit
	}
	dls, err := h.deps.DeadLetters.ListDeadLetters(c.UserContext(), c.QueryBool("resolved", false), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(DeadLetterListResponse{DeadLetters: dls, Total: len(dls)})
}

// RetryDeadLetter handles POST /api/v1/dead-letters/:id/retry. The message
// is sent straight to its session; success resolves the dead letter and
// failure bumps its retry count.
func (h *Handlers) RetryDeadLetter(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	dl, err := h.deps.DeadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}
	if dl == nil {
		return errorResponse(c, merrors.NotFound("retry dead letter", id))
	}
	if dl.ResolvedAt != 0 {
		return c.JSON(RetryResponse{ID: id, Resolved: true})
	}

	if err := h.deps.Messenger.Redeliver(ctx, dl); err != nil {
		h.log(c).Warn().Err(err).Str("dead_letter", id).Msg("redelivery failed")
		if ierr := h.deps.DeadLetters.IncrementRetry(ctx, id, err.Error()); ierr != nil {
			return errorResponse(c, ierr)
		}
		return c.Status(fiber.StatusBadGateway).JSON(RetryResponse{ID: id, Error: err.Error()})
	}
	if err := h.deps.DeadLetters.ResolveDeadLetter(ctx, id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(RetryResponse{ID: id, Resolved: true})
}

type controlFunc func(ctx context.Context, key string) error

func (h *Handlers) control(c *fiber.Ctx, name string, op controlFunc) error {
	if _, err := h.deps.Registry.Get(name); err != nil {
		return errorResponse(c, err)
	}
	if err := op(c.UserContext(), name); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(StatusResponse{Key: name, Running: h.deps.Supervisor.IsRunning(name)})
}

func (h *Handlers) controlVariant(c *fiber.Ctx, op controlFunc) error {
	mind, name := c.Params("name"), c.Params("variant")
	if _, err := h.deps.Registry.Variant(mind, name); err != nil {
		return errorResponse(c, err)
	}
	key := registry.Key(mind, name)
	if err := op(c.UserContext(), key); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(StatusResponse{Key: key, Running: h.deps.Supervisor.IsRunning(key)})
}

func (h *Handlers) mindResponse(e registry.MindEntry) MindResponse {
	e.Running = h.deps.Supervisor.IsRunning(e.Name)
	resp := MindResponse{MindEntry: e}
	if e.Running {
		resp.PID = h.deps.Supervisor.PID(e.Name)
	}
	return resp
}

func (h *Handlers) variantResponses(mind string) ([]VariantResponse, error) {
	vs, err := h.deps.Registry.Variants(mind)
	if err != nil {
		return nil, err
	}
	out := make([]VariantResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, VariantResponse{Variant: v, Running: h.deps.Supervisor.IsRunning(registry.Key(mind, v.Name))})
	}
	return out, nil
}

func (h *Handlers) log(c *fiber.Ctx) *zerolog.Logger {
	l := requestid.Logger(c.UserContext(), h.logger)
	return &l
}
