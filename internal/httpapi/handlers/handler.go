package handlers

import (
	"github.com/lanewaylabs/sessionsync/internal/backend"
	"github.com/lanewaylabs/sessionsync/internal/config"
)

type Handler struct {
	Svc *backend.Service
	Cfg config.Config
}

func NewHandler(svc *backend.Service, cfg config.Config) *Handler {
	return &Handler{Svc: svc, Cfg: cfg}
}
