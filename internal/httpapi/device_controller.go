package httpapi

import (
	"net/http"

	"playout-server/internal/conductor"
	"playout-server/internal/httpapi/internal"
	"playout-server/internal/infra/httpserver"
)

func NewDeviceController(cond *conductor.Conductor) *DeviceController {
	return &DeviceController{
		cond,
	}
}

var _ httpserver.Controller = &DeviceController{}

type DeviceController struct {
	conductor *conductor.Conductor
}

func (c *DeviceController) AddRoutes(router *http.ServeMux) {
	router.Handle("GET /devices", c.listDevices())
	router.Handle("GET /status", c.getStatus())
}

func (c *DeviceController) listDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices := c.conductor.Devices()
		result := make([]internal.DeviceResponse, 0, len(devices))
		for _, d := range devices {
			result = append(result, internal.FromDevice(d))
		}
		httpserver.ReplyJSONResponse(w, http.StatusOK, result)
	}
}

func (c *DeviceController) getStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpserver.ReplyJSONResponse(w, http.StatusOK, internal.FromAggregateStatus(c.conductor.Status()))
	}
}
