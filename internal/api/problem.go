package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

var problemKinds = []struct {
	kind   error
	status int
	typ    string
}{
	{merrors.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{merrors.ErrValidation, fiber.StatusBadRequest, "validation_error"},
	{merrors.ErrAlreadyExists, fiber.StatusConflict, "already_exists"},
	{merrors.ErrAlreadyRunning, fiber.StatusConflict, "already_running"},
	{merrors.ErrNotRunning, fiber.StatusConflict, "not_running"},
	{merrors.ErrMergeConflict, fiber.StatusConflict, "merge_conflict"},
	{merrors.ErrVerificationFailed, fiber.StatusBadGateway, "verification_failed"},
	{merrors.ErrHealthCheckTimeout, fiber.StatusBadGateway, "health_check_timeout"},
	{merrors.ErrStartFailed, fiber.StatusBadGateway, "start_failed"},
	{merrors.ErrPortsExhausted, fiber.StatusServiceUnavailable, "ports_exhausted"},
	{merrors.ErrUnavailable, fiber.StatusServiceUnavailable, "unavailable"},
	{merrors.ErrTimeout, fiber.StatusGatewayTimeout, "timeout"},
	{merrors.ErrPersistence, fiber.StatusInternalServerError, "persistence_error"},
}

// errorResponse maps a taxonomy error onto a problem response. Unknown
// errors fall through to the app's error handler.
func errorResponse(c *fiber.Ctx, err error) error {
	for _, k := range problemKinds {
		if errors.Is(err, k.kind) {
			return problemResponse(c, k.status, k.typ, statusTitle(k.status), err.Error())
		}
	}
	return err
}

func statusTitle(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "Not Found"
	case fiber.StatusBadRequest:
		return "Bad Request"
	case fiber.StatusConflict:
		return "Conflict"
	case fiber.StatusBadGateway:
		return "Bad Gateway"
	case fiber.StatusServiceUnavailable:
		return "Service Unavailable"
	case fiber.StatusGatewayTimeout:
		return "Gateway Timeout"
	}
	return "Internal Server Error"
}
