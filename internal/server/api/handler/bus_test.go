package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbfs/apiclient"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/api/handler"
	"github.com/Alia5/usbfs/internal/server/usb"
	th "github.com/Alia5/usbfs/testing"
)

func TestBusCreate(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(t *testing.T, s *usb.Server)
		payload          any
		expectedResponse string
	}{
		{
			name:             "valid create",
			payload:          "60001",
			expectedResponse: `{"busId":60001}`,
		},
		{
			name:             "duplicate bus",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 60002) },
			payload:          "60002",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: bus number 60002 already allocated"}`,
		},
		{
			name: "create after remove allows reuse",
			setup: func(t *testing.T, s *usb.Server) {
				addBus(t, s, 60003)
				if err := s.RemoveBus(60003); err != nil {
					t.Fatalf("remove bus failed: %v", err)
				}
			},
			payload:          "60003",
			expectedResponse: `{"busId":60003}`,
		},
		{
			name:             "invalid bus number",
			payload:          "foo",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"foo\": invalid syntax"}`,
		},
		{
			name:             "negative bus number",
			payload:          "-1",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"-1\": invalid syntax"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
				r.Register("bus/create", handler.BusCreate(s))
			})
			defer done()
			c := apiclient.NewTransport(addr)
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := c.Do("bus/create", tt.payload, nil)
			assert.NoError(t, err)
			assert.JSONEq(t, tt.expectedResponse, line)
		})
	}
}

func TestBusCreateNextFree(t *testing.T) {
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/create", handler.BusCreate(s))
	})
	defer done()

	line, err := apiclient.NewTransport(addr).Do("bus/create", nil, nil)
	assert.NoError(t, err)
	assert.Contains(t, line, `"busId":`)
	assert.Len(t, srv.ListBuses(), 1)
}

func TestBusList(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(t *testing.T, s *usb.Server)
		expectedResponse string
	}{
		{
			name:             "empty list",
			expectedResponse: `{"buses":[]}`,
		},
		{
			name: "sorted",
			setup: func(t *testing.T, s *usb.Server) {
				addBus(t, s, 60007)
				addBus(t, s, 60005)
			},
			expectedResponse: `{"buses":[60005,60007]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
				r.Register("bus/list", handler.BusList(s))
			})
			defer done()

			c := apiclient.NewTransport(addr)
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := c.Do("bus/list", nil, nil)
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedResponse, line)
		})
	}
}

func TestBusRemove(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(t *testing.T, s *usb.Server)
		payload          any
		expectedResponse string
	}{
		{
			name:             "remove existing",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 60010) },
			payload:          "60010",
			expectedResponse: `{"busId":60010}`,
		},
		{
			name:             "remove missing",
			payload:          "60011",
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 60011 not found"}`,
		},
		{
			name:             "missing payload",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"missing busId"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
				r.Register("bus/remove", handler.BusRemove(s))
			})
			defer done()

			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := apiclient.NewTransport(addr).Do("bus/remove", tt.payload, nil)
			assert.NoError(t, err)
			assert.JSONEq(t, tt.expectedResponse, line)
		})
	}
}
