package httpapi

import (
	"net/http"

	"playout-server/internal/conductor"
	"playout-server/internal/httpapi/internal"
	"playout-server/internal/infra/httpserver"
)

const (
	replaceTimelineErrMessage = "failed to replace timeline"
	replaceMappingsErrMessage = "failed to replace mappings"
)

func NewTimelineController(cond *conductor.Conductor) *TimelineController {
	return &TimelineController{
		cond,
	}
}

var _ httpserver.Controller = &TimelineController{}

type TimelineController struct {
	conductor *conductor.Conductor
}

func (c *TimelineController) AddRoutes(router *http.ServeMux) {
	router.Handle("GET /timeline", c.getTimeline())
	router.Handle("POST /timeline", c.replaceTimeline())
	router.Handle("GET /mappings", c.getMappings())
	router.Handle("POST /mappings", c.replaceMappings())
}

func (c *TimelineController) getTimeline() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpserver.ReplyJSONResponse(w, http.StatusOK, internal.TimelineResponse{
			Objects: c.conductor.Timeline(),
		})
	}
}

func (c *TimelineController) replaceTimeline() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body internal.TimelineReplaceRequest
		if err := httpserver.DecodeJSONBody(r, &body); err != nil {
			httpserver.ReplyWithError(w, http.StatusBadRequest, replaceTimelineErrMessage)
			return
		}

		c.conductor.SetTimeline(body.Objects)
		httpserver.ReplyJSONResponse(w, http.StatusAccepted, nil)
	}
}

func (c *TimelineController) getMappings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpserver.ReplyJSONResponse(w, http.StatusOK, internal.MappingsResponse{
			Mappings: c.conductor.Mappings(),
		})
	}
}

func (c *TimelineController) replaceMappings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body internal.MappingsReplaceRequest
		if err := httpserver.DecodeJSONBody(r, &body); err != nil {
			httpserver.ReplyWithError(w, http.StatusBadRequest, replaceMappingsErrMessage)
			return
		}

		c.conductor.SetMappings(body.Mappings)
		httpserver.ReplyJSONResponse(w, http.StatusAccepted, nil)
	}
}
