package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/service"
)

// ParticipantService is what the participant handler needs.
type ParticipantService interface {
	List(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Participant, error)
	Get(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error)
	Frozen(ctx context.Context) ([]domain.FrozenKey, error)
	Replay(ctx context.Context, key domain.ParticipantKey) (service.ReplayResult, error)
}

// ParticipantHandler serves participant positions and the replay endpoint.
type ParticipantHandler struct {
	participants ParticipantService
	logger       *slog.Logger
}

// NewParticipantHandler creates a ParticipantHandler.
func NewParticipantHandler(participants ParticipantService, logger *slog.Logger) *ParticipantHandler {
	return &ParticipantHandler{participants: participants, logger: logHandler(logger, "participant")}
}

type listParticipantsResponse struct {
	MarketID     uint64               `json:"market_id"`
	Participants []domain.Participant `json:"participants"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// List returns the participants of a market.
// GET /api/markets/{id}/participants?limit=100&offset=0
func (h *ParticipantHandler) List(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := parseListOpts(r)

	parts, err := h.participants.List(r.Context(), id, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "participants", err)
		return
	}
	writeJSON(w, http.StatusOK, listParticipantsResponse{
		MarketID:     id,
		Participants: parts,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}

// Get returns one address's position in a market.
// GET /api/markets/{id}/participants/{address}
func (h *ParticipantHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := participantKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.participants.Get(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, h.logger, "participant", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Frozen lists keys halted by an invariant violation.
// GET /api/frozen
func (h *ParticipantHandler) Frozen(w http.ResponseWriter, r *http.Request) {
	keys, err := h.participants.Frozen(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "frozen keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frozen": keys})
}

// Replay unfreezes a key and re-applies its stored purchases.
// POST /api/markets/{id}/participants/{address}/replay
func (h *ParticipantHandler) Replay(w http.ResponseWriter, r *http.Request) {
	key, err := participantKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "replay requested", slog.String("key", key.String()))

	res, err := h.participants.Replay(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, h.logger, "participant", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
