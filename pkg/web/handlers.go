// Package web provides the local read-only status API for the update agent.
// Operators and provisioning tooling query it over loopback; all mutation goes
// through the event bus.
package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/edgekit/updagent/pkg/persistence"
	"github.com/edgekit/updagent/pkg/workflow"
)

// StatusSource reports the engine's current workflow snapshot.
type StatusSource interface {
	Status() workflow.Status
}

type APIHandlers struct {
	driver  StatusSource
	history persistence.HistoryStore
}

func NewAPIHandlers(driver StatusSource, history persistence.HistoryStore) *APIHandlers {
	return &APIHandlers{
		driver:  driver,
		history: history,
	}
}

// GetStatus returns the live workflow snapshot.
func (h *APIHandlers) GetStatus(c fiber.Ctx) error {
	return c.JSON(h.driver.Status())
}

// GetDeployments lists completed deployment records, newest first.
func (h *APIHandlers) GetDeployments(c fiber.Ctx) error {
	records, err := h.history.List()
	if err != nil {
		return internalError(c, err)
	}

	if records == nil {
		records = []persistence.Record{}
	}

	return c.JSON(fiber.Map{
		"deployments": records,
		"count":       len(records),
	})
}

// GetDeployment returns the outcome record for one workflow id.
func (h *APIHandlers) GetDeployment(c fiber.Ctx) error {
	record, err := h.history.Get(c.Params("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return notFound(c, "no deployment record for workflow "+c.Params("id"))
		}

		return internalError(c, err)
	}

	return c.JSON(record)
}
