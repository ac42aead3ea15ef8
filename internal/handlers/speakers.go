package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/voicevault/internal/speakers"
)

// SpeakerHandler serves the identity operations: suggestions, merges,
// segment reassignment and profile management
type SpeakerHandler struct {
	engine *speakers.Engine
}

// NewSpeakerHandler creates a new speaker handler
func NewSpeakerHandler(engine *speakers.Engine) *SpeakerHandler {
	return &SpeakerHandler{engine: engine}
}

// speakerError maps engine errors to HTTP responses
func speakerError(c *fiber.Ctx, err error) error {
	switch err {
	case speakers.ErrNotFound:
		return c.Status(404).JSON(fiber.Map{
			"error": "Not found",
			"code":  "ERR_NOT_FOUND",
		})
	case speakers.ErrCrossUser:
		return c.Status(403).JSON(fiber.Map{
			"error": "Reference to another user's data",
			"code":  "ERR_CROSS_USER",
		})
	case speakers.ErrConflict:
		return c.Status(409).JSON(fiber.Map{
			"error": "Concurrent operation conflict, retry",
			"code":  "ERR_CONFLICT",
		})
	case speakers.ErrInvalidState:
		return c.Status(422).JSON(fiber.Map{
			"error": "Invalid reference",
			"code":  "ERR_INVALID_STATE",
		})
	default:
		log.Printf("Speaker operation failed: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Internal error",
			"code":  "ERR_INTERNAL",
		})
	}
}

// Suggestions lists an instance's pending match suggestions
func (h *SpeakerHandler) Suggestions(c *fiber.Ctx) error {
	pending, err := h.engine.ListSuggestions(userID(c), c.Params("id"))
	if err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"suggestions": pending})
}

// AcceptSuggestion confirms a pending suggestion
func (h *SpeakerHandler) AcceptSuggestion(c *fiber.Ctx) error {
	if err := h.engine.AcceptSuggestion(userID(c), c.Params("id"), c.Params("sid")); err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"status": "accepted"})
}

// RejectSuggestion dismisses a pending suggestion
func (h *SpeakerHandler) RejectSuggestion(c *fiber.Ctx) error {
	if err := h.engine.RejectSuggestion(userID(c), c.Params("id"), c.Params("sid")); err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"status": "rejected"})
}

// NameRequest carries a display name
type NameRequest struct {
	DisplayName string `json:"display_name"`
}

// Name records a human-entered display name for an instance
func (h *SpeakerHandler) Name(c *fiber.Ctx) error {
	var req NameRequest
	if err := c.BodyParser(&req); err != nil || req.DisplayName == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "display_name is required",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if err := h.engine.NameInstance(userID(c), c.Params("id"), req.DisplayName); err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"status": "named"})
}

// MergeRequest lists the source instances to fold into the target
type MergeRequest struct {
	SourceIDs []string `json:"source_ids"`
	TargetID  string   `json:"target_id"`
}

// Merge folds duplicate speaker instances into one. The response
// reports success or failure per source; a partially failed merge is
// safe to re-issue for the failed sources.
func (h *SpeakerHandler) Merge(c *fiber.Ctx) error {
	var req MergeRequest
	if err := c.BodyParser(&req); err != nil || req.TargetID == "" || len(req.SourceIDs) == 0 {
		return c.Status(400).JSON(fiber.Map{
			"error": "source_ids and target_id are required",
			"code":  "ERR_INVALID_BODY",
		})
	}

	results, err := h.engine.MergeSpeakers(userID(c), req.SourceIDs, req.TargetID)
	if err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}

// ReassignRequest points a segment at a different speaker instance.
// An empty instance_id clears the assignment.
type ReassignRequest struct {
	InstanceID string `json:"instance_id"`
}

// Reassign changes one segment's speaker attribution
func (h *SpeakerHandler) Reassign(c *fiber.Ctx) error {
	var req ReassignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	segment, err := h.engine.ReassignSegmentSpeaker(userID(c), c.Params("id"), req.InstanceID)
	if err != nil {
		return speakerError(c, err)
	}
	return c.JSON(segment)
}

// Profiles lists the caller's speaker profiles
func (h *SpeakerHandler) Profiles(c *fiber.Ctx) error {
	profiles, err := h.engine.Profiles(userID(c))
	if err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"profiles": profiles})
}

// RenameProfile changes a profile's display name
func (h *SpeakerHandler) RenameProfile(c *fiber.Ctx) error {
	var req NameRequest
	if err := c.BodyParser(&req); err != nil || req.DisplayName == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "display_name is required",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if err := h.engine.RenameProfile(userID(c), c.Params("id"), req.DisplayName); err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"status": "renamed"})
}

// DeleteProfile removes a profile, detaching its member instances
func (h *SpeakerHandler) DeleteProfile(c *fiber.Ctx) error {
	if err := h.engine.DeleteProfile(userID(c), c.Params("id")); err != nil {
		return speakerError(c, err)
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}
