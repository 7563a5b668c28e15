/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/channel"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
)

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Route("/{channelID}", func(r chi.Router) {
			r.Get("/", s.handleChannel)
			r.Get("/now", s.handleNowAiring)
			r.Get("/epg", s.handleEPG)
			r.Get("/epg.xml", s.handleEPGXMLTV)
			r.Get("/epg.ics", s.handleEPGICal)
			r.Get("/asrun", s.handleAsRun)
			r.Post("/days/{label}/generate", s.handleGenerateDay)
		})
	})

	s.router.Get("/watch/{channelID}", s.handleWatch)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type channelSummary struct {
	models.Channel
	State   channel.State `json:"state"`
	Viewers int           `json:"viewers"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	var channels []models.Channel
	if err := s.db.WithContext(r.Context()).Where("active = ?", true).Order("name ASC").Find(&channels).Error; err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}

	out := make([]channelSummary, 0, len(channels))
	for _, ch := range channels {
		summary := channelSummary{Channel: ch, State: channel.StateIdle}
		if st, ok, err := s.channels.ChannelStatus(r.Context(), ch.ID); err == nil && ok {
			summary.State = st.State
			summary.Viewers = st.Viewers
		}
		out = append(out, summary)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	summary := channelSummary{Channel: ch, State: channel.StateIdle}
	if st, running, err := s.channels.ChannelStatus(r.Context(), ch.ID); err == nil && running {
		summary.State = st.State
		summary.Viewers = st.Viewers
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleNowAiring(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	event, found, err := s.sched.ActiveEvent(r.Context(), ch.ID, s.clock.NowUTC())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to query playlog")
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "nothing in the playlog for the current time")
		return
	}
	s.respondJSON(w, http.StatusOK, event)
}

// epgRange parses the from/hours query params, defaulting to the next 24h.
func (s *Server) epgRange(r *http.Request) (time.Time, time.Time, error) {
	start := s.clock.NowUTC()
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		start = parsed.UTC()
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 7*24 {
			return time.Time{}, time.Time{}, errors.New("hours must be between 1 and 168")
		}
		hours = parsed
	}
	return start, start.Add(time.Duration(hours) * time.Hour), nil
}

func (s *Server) handleEPG(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	start, end, err := s.epgRange(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.sched.EPG(r.Context(), ch, start, end)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to build EPG")
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEPGXMLTV(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	start, end, err := s.epgRange(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := s.sched.ExportXMLTV(r.Context(), ch, start, end)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to export XMLTV")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleEPGICal(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	start, end, err := s.epgRange(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.sched.ExportToICal(r.Context(), ch, start, end)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *Server) handleAsRun(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	label := r.URL.Query().Get("day")
	if label == "" {
		label = s.sched.BroadcastDayFor(ch, s.clock.NowUTC())
	}
	if _, err := time.Parse(broadcastday.LabelLayout, label); err != nil {
		s.respondError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	report, err := s.sched.AsRunSummary(r.Context(), ch, label)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to build as-run report")
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGenerateDay(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	label := chi.URLParam(r, "label")
	if _, err := time.Parse(broadcastday.LabelLayout, label); err != nil {
		s.respondError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"

	day, err := s.sched.GenerateDay(r.Context(), ch, label, force)
	if err != nil {
		if errors.Is(err, schedule.ErrFrozenDay) {
			s.respondError(w, http.StatusConflict, "day is frozen; pass force=true to regenerate")
			return
		}
		s.logger.Error().Err(err).Str("channel_id", ch.ID).Str("day", label).Msg("day generation failed")
		s.respondError(w, http.StatusInternalServerError, "day generation failed")
		return
	}
	s.respondJSON(w, http.StatusOK, day)
}

// handleWatch attaches the caller as a viewer and streams until they hang up.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	viewerID := middleware.GetReqID(r.Context())
	if viewerID == "" {
		viewerID = uuid.NewString()
	}

	viewer, err := s.channels.TuneIn(r.Context(), channelID, viewerID)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownChannel) {
			s.respondError(w, http.StatusNotFound, "unknown channel")
			return
		}
		s.logger.Error().Err(err).Str("channel_id", channelID).Msg("tune-in failed")
		s.respondError(w, http.StatusServiceUnavailable, "channel unavailable")
		return
	}
	defer s.channels.TuneOut(channelID, viewerID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-viewer.Done:
			return
		case data := <-viewer.Ch:
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// loadChannel resolves {channelID}, writing the error response itself.
func (s *Server) loadChannel(w http.ResponseWriter, r *http.Request) (models.Channel, bool) {
	channelID := chi.URLParam(r, "channelID")
	ch, found, err := s.sched.Channel(r.Context(), channelID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load channel")
		return models.Channel{}, false
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "unknown channel")
		return models.Channel{}, false
	}
	return ch, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("response encode failed")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
