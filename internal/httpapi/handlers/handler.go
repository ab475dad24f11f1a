package handlers

import (
	"cairn/internal/artifact"
)

type Handler struct {
	manager *artifact.Manager
}

func New(manager *artifact.Manager) *Handler {
	return &Handler{manager: manager}
}
