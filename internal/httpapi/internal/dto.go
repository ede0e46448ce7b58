package internal

import (
	"playout-server/internal/conductor"
	"playout-server/internal/device"
	"playout-server/internal/timeline"
)

type TimelineReplaceRequest struct {
	Objects []timeline.Object `json:"objects"`
}

type TimelineResponse struct {
	Objects []timeline.Object `json:"objects"`
}

type MappingsReplaceRequest struct {
	Mappings timeline.Mappings `json:"mappings"`
}

type MappingsResponse struct {
	Mappings timeline.Mappings `json:"mappings"`
}

type DeviceResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Connected   bool           `json:"connected"`
	Status      StatusResponse `json:"status"`
	QueueLength int            `json:"queue_length"`
}

type StatusResponse struct {
	Code     string   `json:"code"`
	Messages []string `json:"messages,omitempty"`
}

type AggregateStatusResponse struct {
	Code    string                    `json:"code"`
	Devices map[string]StatusResponse `json:"devices"`
}

func FromDevice(d device.Device) DeviceResponse {
	return DeviceResponse{
		ID:          d.ID(),
		Name:        d.Name(),
		Type:        string(d.Type()),
		Connected:   d.Connected(),
		Status:      FromStatus(d.Status()),
		QueueLength: len(d.Queue()),
	}
}

func FromStatus(s device.Status) StatusResponse {
	return StatusResponse{Code: s.Code.String(), Messages: s.Messages}
}

func FromAggregateStatus(s conductor.AggregateStatus) AggregateStatusResponse {
	resp := AggregateStatusResponse{
		Code:    s.Code.String(),
		Devices: make(map[string]StatusResponse, len(s.Devices)),
	}
	for id, status := range s.Devices {
		resp.Devices[id] = FromStatus(status)
	}
	return resp
}
